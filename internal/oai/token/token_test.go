package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	c := NewCodec("secret", time.Minute)

	args := map[string]string{"metadataPrefix": "oai_dc", "set": "physics"}
	signed, expires, err := c.Issue("ListRecords", 2, args, "2026-01-01T00:00:00Z|abc")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := c.Verify("ListRecords", signed)
	require.NoError(t, err)
	assert.Equal(t, 2, claims.Page)
	assert.Equal(t, args, claims.Args)
	assert.Equal(t, "2026-01-01T00:00:00Z|abc", claims.Cursor)
}

func TestVerifyRejectsWrongVerb(t *testing.T) {
	c := NewCodec("secret", time.Minute)
	signed, _, err := c.Issue("ListRecords", 1, nil, "")
	require.NoError(t, err)

	_, err = c.Verify("ListIdentifiers", signed)
	assert.ErrorIs(t, err, ErrBadResumptionToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	c := NewCodec("secret", -time.Minute)
	signed, _, err := c.Issue("ListSets", 1, nil, "")
	require.NoError(t, err)

	_, err = c.Verify("ListSets", signed)
	assert.ErrorIs(t, err, ErrBadResumptionToken)
}

func TestVerifyRejectsTamperedAndGarbage(t *testing.T) {
	c := NewCodec("secret", time.Minute)
	signed, _, err := c.Issue("ListRecords", 1, nil, "")
	require.NoError(t, err)

	// Flip a character in the signature segment.
	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	_, err = c.Verify("ListRecords", strings.Join([]string{parts[0], parts[1], string(sig)}, "."))
	assert.ErrorIs(t, err, ErrBadResumptionToken)

	_, err = c.Verify("ListRecords", "not-a-token")
	assert.ErrorIs(t, err, ErrBadResumptionToken)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	signed, _, err := NewCodec("one", time.Minute).Issue("ListRecords", 1, nil, "")
	require.NoError(t, err)

	_, err = NewCodec("two", time.Minute).Verify("ListRecords", signed)
	assert.ErrorIs(t, err, ErrBadResumptionToken)
}
