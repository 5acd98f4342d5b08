package browser

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// PromptFunc blocks until the operator acknowledges msg, typically by
// pressing ENTER in the terminal.
type PromptFunc func(ctx context.Context, msg string) error

// StdinPrompt builds a PromptFunc that prints msg to out and waits for a
// newline on in.
func StdinPrompt(in io.Reader, out io.Writer) PromptFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, msg string) error {
		fmt.Fprintln(out, msg)
		done := make(chan error, 1)
		go func() {
			_, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				done <- err
				return
			}
			done <- nil
		}()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("read prompt acknowledgement: %w", err)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("prompt wait: %w", ctx.Err())
		}
	}
}

// PauseForLogin opens loginURL in the root tab and blocks until the
// operator confirms they finished authenticating.
func (s *Session) PauseForLogin(ctx context.Context, loginURL string, prompt PromptFunc) error {
	if err := s.Navigate(s.RootTab(), loginURL); err != nil {
		return err
	}
	msg := "\nComplete the login (including MFA) in the browser window,\nthen press ENTER here to continue."
	if err := prompt(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("operator confirmed login")
	return nil
}

// PauseForReauth blocks until the operator confirms the session has been
// restored after a mid-run expiry.
func (s *Session) PauseForReauth(ctx context.Context, prompt PromptFunc) error {
	msg := "\nThe portal session expired. Re-authenticate in the browser window,\nthen press ENTER here to resume all workers."
	if err := prompt(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("operator confirmed re-authentication")
	return nil
}
