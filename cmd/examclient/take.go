package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-client/internal/backend"
	"github.com/stemsi/exstem-client/internal/deferred"
	"github.com/stemsi/exstem-client/internal/gateway"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/session"
	"golang.org/x/term"
)

// maxPasswordPrompts bounds interactive password retries.
const maxPasswordPrompts = 3

var takeCmd = &cobra.Command{
	Use:   "take <exam-id-or-share-code>",
	Short: "Take an exam in the terminal",
	Long: `Start (or resume) an attempt and answer questions from the terminal.

Each input line is "<question-id> <value>". Values that parse as JSON are sent
as-is, anything else is sent as a string. ":list" shows the answers, ":time"
the remaining time and ":submit" finalizes the attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: runTake,
}

func init() {
	takeCmd.Flags().StringP("password", "p", "", "Exam password (prompted when needed)")
	takeCmd.Flags().Bool("resume", false, "Resume the attempt this machine last started for the exam")
}

func runTake(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	out := cmd.OutOrStdout()
	ref := args[0]
	password, _ := cmd.Flags().GetString("password")

	var sess *session.Session
	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		sess, err = d.engine.ResumeExam(ctx, ref)
	} else {
		sess, err = begin(ctx, out, d.engine, ref, password)
	}
	if err != nil {
		return err
	}

	return runAttempt(ctx, cmd.InOrStdin(), out, sess)
}

// begin starts the attempt, prompting for a password and waiting out a
// not-yet-open window as needed.
func begin(ctx context.Context, out io.Writer, engine *session.Engine, ref, password string) (*session.Session, error) {
	for prompts := 0; ; {
		outcome, err := engine.Begin(ctx, ref, password)
		if err != nil {
			f, ok := gateway.AsStartFailure(err)
			if !ok || !f.NeedsCredentials() || prompts >= maxPasswordPrompts {
				return nil, err
			}
			if f.Kind == gateway.PasswordInvalid {
				fmt.Fprintln(out, "Wrong password.")
			}
			prompts++
			if password, err = readPassword(out); err != nil {
				return nil, err
			}
			continue
		}
		if outcome.Session != nil {
			return outcome.Session, nil
		}

		ds := *outcome.Deferred
		fmt.Fprintf(out, "Exam opens at %s.\n", ds.WindowOpensAt.Local().Format(time.Kitchen))
		sess, err := engine.AwaitAndBegin(ctx, ds, func(remaining int) {
			fmt.Fprintf(out, "\rStarting in %s   ", formatSeconds(remaining))
		})
		fmt.Fprintln(out)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, deferred.ErrCredentialsRequired) || prompts >= maxPasswordPrompts {
			return nil, err
		}
		prompts++
		if password, err = readPassword(out); err != nil {
			return nil, err
		}
	}
}

func readPassword(out io.Writer) (string, error) {
	fmt.Fprint(out, "Enter exam password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// runAttempt drives an active session from line input until it is finalized
// or the process is interrupted. An interrupt leaves the attempt resumable.
func runAttempt(ctx context.Context, in io.Reader, out io.Writer, sess *session.Session) error {
	a := sess.Attempt()
	fmt.Fprintf(out, "Attempt %s started. %d questions, %s remaining.\n",
		a.ID, len(a.OrderedQuestionIDs), formatSeconds(sess.RemainingSeconds()))
	fmt.Fprintf(out, "Questions: %s\n", strings.Join(a.OrderedQuestionIDs, ", "))
	warnTokenExpiry(out, sess)

	done := make(chan struct{})
	unsubscribe := sess.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.EventWarning:
			fmt.Fprintf(out, "\n%s left.\n", formatSeconds(ev.RemainingSeconds))
		case session.EventFinalizing:
			if ev.Reason == model.FinalizeDeadlineExpired {
				fmt.Fprintln(out, "\nTime is up, submitting...")
			}
		case session.EventFinalizeFailed:
			fmt.Fprintf(out, "Submit failed: %v\n", ev.Err)
		case session.EventFinalized:
			printResult(out, ev.Result)
			close(done)
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			sess.Close()
			fmt.Fprintf(out, "\nInterrupted. Resume with: examclient take --resume %s\n", a.ExamID)
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			handleLine(ctx, out, sess, strings.TrimSpace(line))
		}
	}
}

func handleLine(ctx context.Context, out io.Writer, sess *session.Session, line string) {
	switch line {
	case "":
		return
	case ":time":
		fmt.Fprintf(out, "%s remaining (%s)\n", formatSeconds(sess.RemainingSeconds()), sess.SaveStatus())
		return
	case ":list":
		for _, r := range sess.Answers() {
			fmt.Fprintf(out, "  %s = %s\n", r.QuestionID, r.Value)
		}
		return
	case ":submit":
		if _, err := sess.Finalize(ctx, model.FinalizeUserRequested); err != nil {
			fmt.Fprintf(out, "Submit failed: %v\n", err)
		}
		return
	}

	qid, raw, ok := strings.Cut(line, " ")
	if !ok {
		fmt.Fprintln(out, `Expected "<question-id> <value>".`)
		return
	}
	if err := sess.SetAnswer(qid, answerValue(strings.TrimSpace(raw))); err != nil {
		fmt.Fprintf(out, "Not saved: %v\n", err)
	}
}

// answerValue keeps valid JSON as-is and quotes anything else.
func answerValue(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(raw)
	return b
}

func warnTokenExpiry(out io.Writer, sess *session.Session) {
	exp, err := backend.TokenExpiry(cfg.AuthToken)
	if err != nil {
		return
	}
	a := sess.Attempt()
	if exp.Before(a.Deadline()) {
		fmt.Fprintf(out, "Warning: your login expires at %s, before the exam ends.\n", exp.Local().Format(time.Kitchen))
	}
}

func printResult(out io.Writer, res *model.SubmissionResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(out, "Submitted (%s). Score %.0f/%.0f (%.1f%%)\n", res.Status, res.Score, res.MaxScore, res.Percentage)
}

func formatSeconds(s int) string {
	return (time.Duration(s) * time.Second).String()
}
