package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/vogtb/go-docformula/packages/formula"
)

const (
	historyFile = ".docformula_history"
	prompt      = "docformula> "
)

const replHelp = `expressions are evaluated against the document, commands start with ':'
  :set FIELD EXPR              edit a field with the value of EXPR
  :insert TABLE [at N] [col=V, ...]
                               insert a row, appended unless a position is given
  :delete TABLE ROWID          delete a row
  :move TABLE FROM [to] TO     move a live row
  :formula FIELD EXPR          replace a field's formula
  :state FIELD                 show a field's value and recompute state
  :fields                      list every field
  :quit                        exit`

func runRepl(cmd *cobra.Command, args []string) error {
	config, log, err := setup()
	if err != nil {
		return err
	}
	engine, err := openDocument(args[0], config, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d fields. Ctrl+D exits, :help lists commands.\n", args[0], len(engine.Keys()))

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	session := newSession(engine, func(line string) { fmt.Fprintln(out, line) })
	for {
		line, err := ln.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)

		if !session.execute(line) {
			return nil
		}
	}
}

// session runs repl lines against one engine
type session struct {
	runnable *formula.RunnableEngine
	printLn  func(string)
}

func newSession(engine *formula.Engine, printLn func(string)) *session {
	return &session{
		runnable: formula.NewRunnableEngine(engine, printLn),
		printLn:  printLn,
	}
}

// execute runs one line and reports whether the session continues
func (s *session) execute(line string) bool {
	engine := s.runnable.Engine()
	if !isCommand(line) {
		v, err := engine.Evaluate(line)
		if err != nil {
			s.printLn("error: " + describeError(err))
			return true
		}
		s.printLn(v.String())
		return true
	}

	cmd, err := parseCommand(line)
	if err != nil {
		s.printLn("error: " + err.Error())
		return true
	}

	s.runnable.Reset()
	functions := engine.Functions()
	switch {
	case cmd.Quit:
		return false

	case cmd.Help:
		s.printLn(replHelp)
		return true

	case cmd.Fields:
		for _, key := range engine.Keys() {
			s.runnable.Log(key)
		}

	case cmd.State != nil:
		s.runnable.Log(cmd.State.Field)

	case cmd.Set != nil:
		v, err := parseLiteral(cmd.Set.Value.Text(), functions)
		if err != nil {
			s.printLn("error: " + describeError(err))
			return true
		}
		s.runnable.Edit(cmd.Set.Field, v).Then(s.changes)

	case cmd.Formula != nil:
		s.runnable.SetFormula(cmd.Formula.Field, cmd.Formula.Text.Text()).
			Log(cmd.Formula.Field).
			Then(s.changes)

	case cmd.Insert != nil:
		cells := make(map[string]formula.Value, len(cmd.Insert.Cells))
		for _, c := range cmd.Insert.Cells {
			v, err := parseLiteral(c.Value, functions)
			if err != nil {
				s.printLn("error: " + describeError(err))
				return true
			}
			cells[c.Column] = v
		}
		if cmd.Insert.Index != nil {
			s.runnable.InsertRow(cmd.Insert.Table, cells, *cmd.Insert.Index)
		} else {
			s.runnable.InsertRow(cmd.Insert.Table, cells)
		}
		s.runnable.Log(cmd.Insert.Table).Then(s.changes)

	case cmd.Delete != nil:
		s.runnable.DeleteRow(cmd.Delete.Table, rowID(cmd.Delete.Row)).Then(s.changes)

	case cmd.Move != nil:
		s.runnable.MoveRow(cmd.Move.Table, cmd.Move.From, cmd.Move.To).
			Log(cmd.Move.Table).
			Then(s.changes)
	}

	if err := s.runnable.Error(); err != nil {
		s.printLn("error: " + describeError(err))
	}
	return true
}

// changes prints the fields the last recompute touched
func (s *session) changes(r *formula.RunnableEngine) *formula.RunnableEngine {
	for _, key := range r.Engine().LastPass() {
		r.Log(key)
	}
	return r
}
