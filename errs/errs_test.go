package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindClassification(t *testing.T) {
	require.Equal(t, KindPermanent, KindOf(Permanent("parse_error", errors.New("bad json"))))
	require.Equal(t, KindTransient, KindOf(Transient(errors.New("timeout"))))
	require.Equal(t, KindFatal, KindOf(Fatal(errors.New("endpoint gone"))))

	// Unclassified errors default to transient: redelivery is safe.
	require.Equal(t, KindTransient, KindOf(errors.New("who knows")))
	require.Equal(t, KindTransient, KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	var err = fmt.Errorf("inserting order: %w", Permanent("user_not_found", errors.New("no row")))
	require.Equal(t, KindPermanent, KindOf(err))
	require.Equal(t, "user_not_found", ReasonOf(err))
}

func TestReasonOf(t *testing.T) {
	require.Equal(t, "total_exceeded", ReasonOf(Permanentf("total_exceeded", "total %s too large", "101.00")))
	require.Equal(t, "", ReasonOf(Transient(errors.New("x"))))
	require.Equal(t, "", ReasonOf(errors.New("x")))
}

func TestErrorString(t *testing.T) {
	require.Equal(t, "permanent (parse_error): bad body",
		Permanent("parse_error", errors.New("bad body")).Error())
	require.Equal(t, "transient: conn reset",
		Transient(errors.New("conn reset")).Error())
}

func TestUnwrap(t *testing.T) {
	var inner = errors.New("inner")
	require.ErrorIs(t, Permanent("r", inner), inner)
	require.ErrorIs(t, MarkTransport(inner), inner)
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial tcp: refused" }
func (fakeNetErr) Timeout() bool   { return false }
func (fakeNetErr) Temporary() bool { return false }

func TestIsTransport(t *testing.T) {
	require.True(t, IsTransport(MarkTransport(errors.New("conn refused"))))
	require.True(t, IsTransport(fakeNetErr{}))
	require.True(t, IsTransport(fmt.Errorf("acquiring: %w", ErrUnavailable)))
	require.True(t, IsTransport(context.DeadlineExceeded))

	require.False(t, IsTransport(nil))
	require.False(t, IsTransport(ErrNotFound))
	require.False(t, IsTransport(errors.New("syntax error at or near")))
}

func TestMarkTransportNil(t *testing.T) {
	require.NoError(t, MarkTransport(nil))
}
