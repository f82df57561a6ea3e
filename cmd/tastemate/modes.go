package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/tastemate/internal/api"
	"github.com/MrWong99/tastemate/internal/app"
	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/pkg/profile"
)

var errNoProfile = errors.New("no profile saved yet; run in serve mode and PUT /v1/profile first")

func loadProfile(ctx context.Context, store profile.Store) (*profile.UserProfile, error) {
	p, err := store.Load(ctx)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, errNoProfile
	}
	return p, err
}

// ── voice ─────────────────────────────────────────────────────────────────────

func runVoice(ctx context.Context, a *app.App, out io.Writer) error {
	if a.Session() == nil {
		return errors.New("voice mode needs providers.live to be configured")
	}
	p, err := loadProfile(ctx, a.Profiles())
	if err != nil {
		return err
	}
	return voice(ctx, a.Session(), p, out)
}

// voice starts s and prints transcript lines until ctx is cancelled or the
// session ends on its own.
func voice(ctx context.Context, s api.LiveSession, p *profile.UserProfile, out io.Writer) error {
	updates, cancel := s.Subscribe(64)
	defer cancel()

	if err := s.Start(ctx, p); err != nil {
		fmt.Fprintln(out, live.UserMessage(err))
		return err
	}
	defer s.Stop()
	fmt.Fprintln(out, "Listening. Press Ctrl+C to stop.")

	role := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			switch u.Kind {
			case live.UpdateTranscript:
				if u.Role != role {
					if role != "" {
						fmt.Fprintln(out)
					}
					fmt.Fprintf(out, "%s: ", speaker(u.Role))
					role = u.Role
				}
				fmt.Fprint(out, u.Text)
			case live.UpdateTurnComplete:
				if role != "" {
					fmt.Fprintln(out)
				}
				role = ""
			case live.UpdateState:
				if u.State != live.StateIdle {
					continue
				}
				if u.Err != nil {
					fmt.Fprintln(out, live.UserMessage(u.Err))
					return u.Err
				}
				return nil
			}
		}
	}
}

func speaker(role string) string {
	if role == profile.RoleUser {
		return "You"
	}
	return "Tastemate"
}

// ── chat ──────────────────────────────────────────────────────────────────────

// converser is the part of the companion the chat REPL needs.
type converser interface {
	ConverseStream(ctx context.Context, p *profile.UserProfile, message string) (<-chan string, error)
}

func runChat(ctx context.Context, a *app.App, in io.Reader, out io.Writer) error {
	if a.Companion() == nil {
		return errors.New("chat mode needs providers.llm to be configured")
	}
	p, err := loadProfile(ctx, a.Profiles())
	if err != nil {
		return err
	}
	return chat(ctx, a.Companion(), p, in, out)
}

// chat reads one message per line from in until EOF, "exit" or ctx ends.
// A failed reply is reported and the loop continues.
func chat(ctx context.Context, c converser, p *profile.UserProfile, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	name := "there"
	if p != nil && p.Name != "" {
		name = p.Name
	}
	fmt.Fprintf(out, "Hi %s! Type a message, or \"exit\" to quit.\n> ", name)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				fmt.Fprint(out, "> ")
				continue
			case "exit", "quit":
				return nil
			}
			chunks, err := c.ConverseStream(ctx, p, line)
			if err != nil {
				fmt.Fprintf(out, "(the companion could not answer: %v)\n> ", err)
				continue
			}
			fmt.Fprint(out, "Tastemate: ")
			for chunk := range chunks {
				fmt.Fprint(out, chunk)
			}
			fmt.Fprint(out, "\n> ")
		}
	}
}

// ── insights ──────────────────────────────────────────────────────────────────

type insighter interface {
	Insights(ctx context.Context, p *profile.UserProfile) ([]profile.Insight, error)
}

func runInsights(ctx context.Context, a *app.App, out io.Writer) error {
	if a.Companion() == nil {
		return errors.New("insights mode needs providers.llm to be configured")
	}
	p, err := loadProfile(ctx, a.Profiles())
	if err != nil {
		return err
	}
	return insights(ctx, a.Companion(), p, out)
}

func insights(ctx context.Context, c insighter, p *profile.UserProfile, out io.Writer) error {
	list, err := c.Insights(ctx, p)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No insights right now. Try again later.")
		return nil
	}
	for _, in := range list {
		fmt.Fprintf(out, "[%s] %s: %s\n    %s\n", strings.ToUpper(in.Priority), in.Category, in.Title, in.Description)
	}
	return nil
}
