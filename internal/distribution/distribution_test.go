package distribution

import (
	"encoding/json"
	"net/mail"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailfanout/internal/address"
)

func addressesOf(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func TestNew(t *testing.T) {
	t.Parallel()

	l, err := New("Sender <a@x.com>", "b@x.com, c@x.com")
	require.NoError(t, err)

	assert.Equal(t, "a@x.com", l.From().Address)
	assert.Equal(t, "Sender", l.From().Name)
	assert.Equal(t, []string{"b@x.com", "c@x.com"}, addressesOf(l.Flatten(To)))
	assert.Equal(t, []string{DefaultGroup}, l.Groups(To))
	assert.Empty(t, l.Flatten(Cc))
	assert.False(t, l.LastChanged().IsZero())
}

func TestNewRejectsGroupSender(t *testing.T) {
	t.Parallel()

	_, err := New("team: a@x.com;", "b@x.com")
	assert.ErrorIs(t, err, address.ErrAddressFormat)

	_, err = New("a@x.com", "broken <")
	assert.ErrorIs(t, err, address.ErrAddressFormat)
}

func TestAddGroups(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "b@x.com")
	require.NoError(t, err)

	changed, err := l.AddCc("ops: o1@x.com, o2@x.com;, d@x.com")
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, []string{"ops", DefaultGroup}, l.Groups(Cc))
	assert.Equal(t, []string{"o1@x.com", "o2@x.com"}, addressesOf(l.Group(Cc, "ops")))
	assert.Equal(t, []string{"d@x.com", "o1@x.com", "o2@x.com"}, addressesOf(l.Flatten(Cc)))

	changed, err = l.AddCc("d@x.com")
	require.NoError(t, err)
	assert.False(t, changed, "re-adding an existing address is not a change")

	changed, err = l.AddBcc("")
	require.NoError(t, err)
	assert.False(t, changed, "blank header is a no-op")
}

func TestAddUnknownRole(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "b@x.com")
	require.NoError(t, err)

	_, err = l.Add(Role("REPLY-TO"), "c@x.com")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestFlattenDeduplicatesAcrossGroups(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "g1: dup@x.com;, g2: DUP@x.com, other@x.com;")
	require.NoError(t, err)

	assert.Equal(t, []string{"dup@x.com", "other@x.com"}, addressesOf(l.Flatten(To)))
	assert.Equal(t, 2, l.Len())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "b@x.com, c@x.com")
	require.NoError(t, err)

	removed, err := l.RemoveAddress(To, "c@x.com")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{"b@x.com"}, addressesOf(l.Flatten(To)))

	removed, err = l.RemoveAddress(To, "c@x.com")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = l.Remove(To, DefaultGroup, "not an address")
	assert.ErrorIs(t, err, address.ErrAddressFormat)
}

func TestClone(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "b@x.com")
	require.NoError(t, err)

	c := l.Clone()
	_, err = c.AddTo("z@x.com")
	require.NoError(t, err)
	require.NoError(t, c.SetFrom("other@x.com"))

	assert.Equal(t, []string{"b@x.com"}, addressesOf(l.Flatten(To)))
	assert.Equal(t, "a@x.com", l.From().Address)
	assert.False(t, l.Equal(c))
}

func TestEqualAndHash(t *testing.T) {
	t.Parallel()

	a, err := New("a@x.com", "b@x.com")
	require.NoError(t, err)
	_, err = a.AddCc("c@x.com")
	require.NoError(t, err)

	// Same address set, different roles and groups.
	b, err := New("a@x.com", "grp: c@x.com;")
	require.NoError(t, err)
	_, err = b.AddBcc("B@x.com")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())

	_, err = b.AddBcc("extra@x.com")
	require.NoError(t, err)
	assert.False(t, a.Equal(b))
}

func TestConcurrentAdd(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.AddTo(string(rune('a'+i)) + "@y.com")
			_ = l.Flatten(To)
		}(i)
	}
	wg.Wait()
	assert.Len(t, l.Flatten(To), 20)
}

func TestEncodeFlat(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "b@x.com,c@x.com")
	require.NoError(t, err)
	_, err = l.AddCc("d@x.com")
	require.NoError(t, err)

	data, err := l.EncodeFlat()
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Contains(t, got, "FROM")
	assert.Contains(t, got, "TO")
	assert.Contains(t, got, "CC")
	assert.NotContains(t, got, "BCC")

	back, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, l.Equal(back))
	assert.Equal(t, addressesOf(l.Flatten(Cc)), addressesOf(back.Flatten(Cc)))
}

func TestEncodeWithGroupsRoundTrip(t *testing.T) {
	t.Parallel()

	l, err := New(`"Doe, John" <a@x.com>`, "team: b@x.com, c@x.com;, solo@x.com")
	require.NoError(t, err)
	_, err = l.AddBcc("hidden@x.com")
	require.NoError(t, err)

	data, err := json.Marshal(l)
	require.NoError(t, err)

	var back List
	require.NoError(t, json.Unmarshal(data, &back))

	assert.True(t, l.Equal(&back))
	assert.Equal(t, l.Groups(To), back.Groups(To))
	assert.Equal(t, addressesOf(l.Group(To, "team")), addressesOf(back.Group(To, "team")))
	assert.Equal(t, "Doe, John", back.From().Name)
	assert.Equal(t, []string{"hidden@x.com"}, addressesOf(back.Flatten(Bcc)))
}

func TestRoundTripSenderRecipientCcBcc(t *testing.T) {
	t.Parallel()

	l, err := New("sender@x.com", "recipient@x.com")
	require.NoError(t, err)
	_, err = l.AddCc("copy@x.com")
	require.NoError(t, err)
	_, err = l.AddBcc("blind@x.com")
	require.NoError(t, err)

	encoders := map[string]func() ([]byte, error){
		"flat":        l.EncodeFlat,
		"with-groups": l.EncodeWithGroups,
	}
	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			data, err := encode()
			require.NoError(t, err)

			var keys map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &keys))
			for _, k := range []string{"FROM", "TO", "CC", "BCC"} {
				assert.Contains(t, keys, k)
			}

			back, err := Decode(data)
			require.NoError(t, err)
			assert.True(t, l.Equal(back))
			assert.True(t, back.Equal(l))
			assert.Equal(t, l.Hash(), back.Hash())
			assert.Equal(t, "sender@x.com", back.From().Address)
			assert.Equal(t, []string{"recipient@x.com"}, addressesOf(back.Flatten(To)))
			assert.Equal(t, []string{"copy@x.com"}, addressesOf(back.Flatten(Cc)))
			assert.Equal(t, []string{"blind@x.com"}, addressesOf(back.Flatten(Bcc)))
		})
	}
}

func TestDecodeAddressObjects(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"FROM": {"address": "a@x.com", "personal": "Alice"},
		"TO": {"ops": [{"address": "o@x.com"}, "p@x.com"]},
		"CC": ["Carol <c@x.com>"]
	}`)

	l, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "Alice", l.From().Name)
	assert.Equal(t, []string{"o@x.com", "p@x.com"}, addressesOf(l.Group(To, "ops")))
	assert.Equal(t, []string{"c@x.com"}, addressesOf(l.Flatten(Cc)))
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"TO": ["b@x.com"]}`))
	assert.ErrorIs(t, err, address.ErrAddressFormat)

	_, err = Decode([]byte(`{"FROM": "a@x.com", "TO": ["nope"]}`))
	assert.ErrorIs(t, err, address.ErrAddressFormat)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestRoleAndGroupJSON(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "team: b@x.com;, c@x.com")
	require.NoError(t, err)

	data, err := l.RoleJSON(To)
	require.NoError(t, err)
	assert.JSONEq(t, `["<b@x.com>", "<c@x.com>"]`, string(data))

	data, err = l.GroupJSON(To, "team")
	require.NoError(t, err)
	assert.JSONEq(t, `["<b@x.com>"]`, string(data))

	_, err = l.RoleJSON(Role("FROM"))
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestString(t *testing.T) {
	t.Parallel()

	l, err := New("a@x.com", "b@x.com")
	require.NoError(t, err)
	_, err = l.AddCc("team: c@x.com, d@x.com;")
	require.NoError(t, err)

	got := l.String()
	assert.JSONEq(t, `{
		"FROM": "<a@x.com>",
		"TO": {"staticaddr": ["<b@x.com>"]},
		"CC": {"team": ["<c@x.com>", "<d@x.com>"]}
	}`, got)
	assert.Contains(t, got, "\n  \"TO\": {", "output is indented")
}
