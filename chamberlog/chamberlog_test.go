package chamberlog_test

import (
	"bytes"
	"testing"

	"github.com/chambervault/chamber/chamberlog"
)

func TestNewRedactor_MasksSecretFields(t *testing.T) {
	var buf bytes.Buffer

	logger := chamberlog.New(&buf)
	logger.Info().Str("api_token", "ghp_abc123").Msg("item added")

	if bytes.Contains(buf.Bytes(), []byte("ghp_abc123")) {
		t.Fatalf("raw token leaked into log output: %s", buf.String())
	}

	if !bytes.Contains(buf.Bytes(), []byte("***redacted***")) {
		t.Fatalf("redacted marker missing: %s", buf.String())
	}
}

func TestNewRedactor_LeavesOtherFieldsAlone(t *testing.T) {
	var buf bytes.Buffer

	logger := chamberlog.New(&buf)
	logger.Info().Str("name", "gh").Str("op", "vault.Add").Msg("item added")

	if !bytes.Contains(buf.Bytes(), []byte(`"name":"gh"`)) {
		t.Fatalf("non-secret field was redacted: %s", buf.String())
	}
}

func TestNop_DiscardsSilently(t *testing.T) {
	logger := chamberlog.Nop()
	logger.Info().Msg("should not panic or write anywhere")
}
