package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(map[string]string{"landing": "Dashboard"}, func(io.Writer) {
		t.Fatal("text renderer must not run in JSON mode")
	})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"landing": "Dashboard"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONErrorCarriesData(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Error("E_NOT_FOUND", "no profile for u1", map[string]int{"reads": 1})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "no profile for u1", resp.Error.Message)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("plain value", nil))
	assert.Equal(t, "plain value\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success("ignored", func(w io.Writer) {
		fmt.Fprintln(w, "Landing: Login")
	}))
	assert.Equal(t, "Landing: Login\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E001", "store unreachable", nil))
	assert.Equal(t, "Error [E001]: store unreachable\n", buf.String())
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open database", cause)

	assert.Equal(t, "failed to open database: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, "scenario failed", NewExitError(ExitFailure, "scenario failed").Error())
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}
