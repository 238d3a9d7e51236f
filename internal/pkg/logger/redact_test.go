package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("a@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
	assert.Equal(t, "***@***", RedactEmail(""))
}

func TestRedactPIIValue(t *testing.T) {
	assert.Equal(t, "jo***@example.com", redactPIIValue("recipient", "john.doe@example.com"))
	assert.Equal(t, "al***@example.com", redactPIIValue("email", "alice@example.com"))
	assert.Equal(t, "bo***@example.com", redactPIIValue("sender_address", "bob@example.com"))

	// Generic fields only mask embedded addresses.
	assert.Equal(t, "send to ca***@example.com failed", redactPIIValue("error", "send to carol@example.com failed"))
	assert.Equal(t, "plain text", redactPIIValue("error", "plain text"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, INFO, ParseLevel("INFO"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel(" error "))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, INFO, ParseLevel(""))
}
