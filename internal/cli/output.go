package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran and the queue or remote failed
	ExitCommandError = 2 // bad flags, config or input
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not an *ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type outputFormatter struct {
	format string
	w      io.Writer
}

type cliResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *cliError `json:"error,omitempty"`
}

type cliError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// success writes data as a JSON envelope, or text as-is in text mode.
func (f *outputFormatter) success(data any, text string) error {
	if f.format == "json" {
		return json.NewEncoder(f.w).Encode(cliResponse{Status: "ok", Data: data})
	}
	if text == "" {
		return nil
	}
	_, err := fmt.Fprintln(f.w, text)
	return err
}

func (f *outputFormatter) failure(err error) {
	if f.format == "json" {
		_ = json.NewEncoder(f.w).Encode(cliResponse{
			Status: "error",
			Error:  &cliError{Code: GetExitCode(err), Message: err.Error()},
		})
		return
	}
	fmt.Fprintf(f.w, "Error: %v\n", err)
}

// ReportError prints a command failure in the format the user asked for.
// Errors raised before flags parse fall back to text.
func ReportError(cmd *cobra.Command, err error) {
	format := "text"
	if flag := cmd.PersistentFlags().Lookup("format"); flag != nil {
		format = flag.Value.String()
	}
	out := &outputFormatter{format: format, w: cmd.ErrOrStderr()}
	out.failure(err)
}
