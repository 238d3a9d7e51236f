package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	content := Content{Subject: "Hello"}

	_, err := New("", content, EmailAddress{}, "news@example.com", 10, time.Minute)
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = New("cmp-1", content, EmailAddress{}, "", 10, time.Minute)
	assert.ErrorIs(t, err, ErrMissingSender)

	cmp, err := New("cmp-1", content, EmailAddress{}, "news@example.com", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10, cmp.MaxRecipientsPerSend)
}

func TestNewClampsRecipientCap(t *testing.T) {
	content := Content{Subject: "Hello"}

	cmp, err := New("cmp-1", content, EmailAddress{}, "news@example.com", 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, MinRecipientsPerSend, cmp.MaxRecipientsPerSend)

	cmp, err = New("cmp-1", content, EmailAddress{}, "news@example.com", 500, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, MaxRecipientsPerSend, cmp.MaxRecipientsPerSend)

	cmp, err = New("cmp-1", content, EmailAddress{}, "news@example.com", -3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, MinRecipientsPerSend, cmp.MaxRecipientsPerSend)
}

func TestBatchingMode(t *testing.T) {
	content := Content{Subject: "Hello"}
	addrs := []EmailAddress{{Address: "a@example.com"}, {Address: "b@example.com"}}

	batched, err := New("cmp-1", content, EmailAddress{}, "news@example.com", 25, time.Minute)
	require.NoError(t, err)
	assert.True(t, batched.BatchingEnabled())
	r := batched.Recipients(addrs)
	assert.Empty(t, r.To)
	assert.Len(t, r.BCC, 2)

	single, err := New("cmp-2", content, EmailAddress{}, "news@example.com", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, single.BatchingEnabled())
	r = single.Recipients(addrs[:1])
	assert.Len(t, r.To, 1)
	assert.Empty(t, r.BCC)
}

func TestRecipientsAllAndCount(t *testing.T) {
	r := Recipients{
		To:  []EmailAddress{{Address: "a@example.com"}},
		CC:  []EmailAddress{{Address: "b@example.com"}},
		BCC: []EmailAddress{{Address: "c@example.com"}, {Address: "d@example.com"}},
	}
	assert.Equal(t, 4, r.Count())
	all := r.All()
	require.Len(t, all, 4)
	assert.Equal(t, "a@example.com", all[0].Address)
	assert.Equal(t, "d@example.com", all[3].Address)
}
