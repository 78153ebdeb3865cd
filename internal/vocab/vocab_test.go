package vocab

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSortsAndDeduplicates(t *testing.T) {
	v := New([]string{"greet", "affirm", "greet", "deny"})
	if diff := cmp.Diff([]string{"affirm", "deny", "greet"}, v.Labels()); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
	id, ok := v.ID("greet")
	require.True(t, ok)
	assert.Equal(t, 2, id)
	assert.Equal(t, "deny", v.Label(1))
}

func TestInverseRoundTrip(t *testing.T) {
	v := New([]string{"b", "a", "c"})
	back, err := FromInverse(v.Inverse())
	require.NoError(t, err)
	assert.Equal(t, v.Labels(), back.Labels())

	_, err = FromInverse(map[int]string{0: "a", 5: "b"})
	assert.Error(t, err)
	_, err = FromInverse(map[int]string{0: "a", 1: "a"})
	assert.Error(t, err)
}

func TestEncodeIdentity(t *testing.T) {
	m := Encode(New([]string{"x", "y"}), false, "_")
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 1.0, m.At(1, 1))
	assert.Equal(t, 0.0, m.At(0, 1))
}

func TestEncodeTokens(t *testing.T) {
	v := New([]string{"book_flight", "book_hotel", "cancel_flight"})
	m := Encode(v, true, "_")
	// tokens: book, cancel, flight, hotel
	r, c := m.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 4, c)
	assert.Equal(t, []float64{1, 0, 1, 0}, m.RawRowView(0))
	assert.Equal(t, []float64{1, 0, 0, 1}, m.RawRowView(1))
	assert.Equal(t, []float64{0, 1, 1, 0}, m.RawRowView(2))

	// an empty split symbol falls back to the identity
	r, c = Encode(v, true, "").Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
}
