// Package main provides the docformula command line tool.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"

	"github.com/vogtb/go-docformula/packages/formula"
)

var (
	configPath     string
	logLevel       string
	evalExpression string
	outputPath     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docformula",
		Short: "Evaluate formulas in structured form documents",
		Long: `docformula opens form documents, recomputes their formula fields and
prints, checks, exports or interactively edits the result.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, crit")

	evalCmd := &cobra.Command{
		Use:   "eval FILE...",
		Short: "Print the computed field values of each document",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEval,
	}
	evalCmd.Flags().StringVarP(&evalExpression, "formula", "f", "", "Evaluate this expression instead of listing fields")

	getCmd := &cobra.Command{
		Use:   "get FILE FIELD",
		Short: "Print one field value",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}

	checkCmd := &cobra.Command{
		Use:   "check FILE...",
		Short: "Run the schema gate and parse every formula",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCheck,
	}

	exportCmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Write field, table and chart values to a workbook",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().StringVarP(&outputPath, "out", "o", "", "Output .xlsx path (required)")
	_ = exportCmd.MarkFlagRequired("out")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot FILE",
		Short: "Write the recomputed document, zstd-compressed for .zst outputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshot,
	}
	snapshotCmd.Flags().StringVarP(&outputPath, "out", "o", "", "Output path (default: stdout)")

	replCmd := &cobra.Command{
		Use:   "repl FILE",
		Short: "Edit a document interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  runRepl,
	}

	rootCmd.AddCommand(evalCmd, getCmd, checkCmd, exportCmd, snapshotCmd, replCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the logger every subcommand shares
func setup() (formula.Config, log15.Logger, error) {
	config := formula.DefaultConfig()
	if configPath != "" {
		loaded, err := formula.LoadConfig(configPath)
		if err != nil {
			return config, nil, fmt.Errorf("loading config: %s", formula.Message(err))
		}
		config = loaded
	}
	level := config.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return config, nil, fmt.Errorf("invalid log level: %s", level)
	}

	log := log15.New("cmd", "docformula")
	log.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
	return config, log, nil
}

// openDocument reads a document file, plain or zstd-compressed, and
// attaches an engine to it
func openDocument(path string, config formula.Config, log log15.Logger) (*formula.Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	engine, err := formula.Open(data, formula.WithConfig(config), formula.WithLogger(log.New("file", path)))
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, describeError(err))
	}
	return engine, nil
}

// describeError renders a library error with its source position, gate code
// or gate problems when it carries them
func describeError(err error) string {
	msg := formula.Message(err)
	if span, ok := formula.SpanOf(err); ok {
		msg = fmt.Sprintf("%s (at %s)", msg, span)
	}
	if code := formula.CodeOf(err); code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, code)
	}
	return msg
}

type evalResult struct {
	path  string
	lines []string
	err   error
}

func runEval(cmd *cobra.Command, args []string) error {
	config, log, err := setup()
	if err != nil {
		return err
	}

	// one engine per document, opened side by side
	results := make([]evalResult, len(args))
	var wg sync.WaitGroup
	for i, path := range args {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			results[i] = evalFile(path, config, log)
		}(i, path)
	}
	wg.Wait()

	failed := 0
	out := cmd.OutOrStdout()
	for _, res := range results {
		if len(args) > 1 {
			fmt.Fprintf(out, "== %s\n", res.path)
		}
		if res.err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", res.err)
			continue
		}
		for _, line := range res.lines {
			fmt.Fprintln(out, line)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(args))
	}
	return nil
}

func evalFile(path string, config formula.Config, log log15.Logger) evalResult {
	res := evalResult{path: path}
	engine, err := openDocument(path, config, log)
	if err != nil {
		res.err = err
		return res
	}

	if evalExpression != "" {
		v, err := engine.Evaluate(evalExpression)
		if err != nil {
			res.err = fmt.Errorf("%s: %s", path, describeError(err))
			return res
		}
		res.lines = []string{v.String()}
		return res
	}

	for _, key := range engine.Keys() {
		line, err := engine.Describe(key)
		if err != nil {
			res.err = err
			return res
		}
		res.lines = append(res.lines, line)
	}
	if undefined := engine.Undefined(); len(undefined) > 0 {
		res.lines = append(res.lines, "undefined references: "+strings.Join(undefined, ", "))
	}
	return res
}

func runGet(cmd *cobra.Command, args []string) error {
	config, log, err := setup()
	if err != nil {
		return err
	}
	engine, err := openDocument(args[0], config, log)
	if err != nil {
		return err
	}
	v, err := engine.GetFieldValue(args[1])
	if err != nil {
		return fmt.Errorf("%s", describeError(err))
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.String())
	if err := engine.FieldError(args[1]); err != nil {
		return fmt.Errorf("%s: %s", args[1], describeError(err))
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	config, _, err := setup()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	problems := 0
	for _, path := range args {
		found := checkFile(path, config)
		for _, p := range found {
			fmt.Fprintf(out, "%s: %s\n", path, p)
		}
		if len(found) == 0 {
			fmt.Fprintf(out, "%s: ok\n", path)
		}
		problems += len(found)
	}
	if problems > 0 {
		return fmt.Errorf("%d problems found", problems)
	}
	return nil
}

// checkFile gates the document and parses each formula without evaluating
func checkFile(path string, config formula.Config) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return []string{err.Error()}
	}
	raw, err := formula.DecodeRaw(data)
	if err != nil {
		return []string{describeError(err)}
	}
	if failure := config.Validator().Validate(raw); failure != nil {
		if len(failure.Errors) == 0 {
			return []string{fmt.Sprintf("%s [%s]", failure.Message, failure.Code)}
		}
		return failure.Errors
	}

	doc := formula.DocumentFromRaw(raw)
	functions := formula.NewDefaultBuiltInFunctions()
	var problems []string
	for _, f := range doc.Fields {
		if !f.HasFormula() {
			continue
		}
		if _, err := formula.Parse(f.Formula, functions); err != nil {
			problems = append(problems, fmt.Sprintf("field %s: %s", f.Key(), describeError(err)))
		}
	}
	sort.Strings(problems)
	return problems
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	config, log, err := setup()
	if err != nil {
		return err
	}
	engine, err := openDocument(args[0], config, log)
	if err != nil {
		return err
	}

	if outputPath == "" {
		return engine.Encode(cmd.OutOrStdout())
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if !strings.HasSuffix(outputPath, ".zst") {
		return engine.Encode(file)
	}
	zw, err := formula.Compress(file)
	if err != nil {
		return err
	}
	if err := engine.Encode(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
