package memerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeMapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int32
	}{
		{nil, 0},
		{ErrPartial, -2},
		{ErrNotFound, -3},
		{ErrInvalidArgument, -4},
		{ErrOutOfBounds, -5},
		{ErrUnmapped, -6},
		{ErrReadOnly, -7},
		{ErrTransportFailure, -8},
		{ErrAbiMismatch, -9},
		{ErrVersionMismatch, -10},
		{ErrUnsupported, -11},
		{errors.New("memerr: something else"), -1},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCodeUnwrapsThroughFmtErrorf(t *testing.T) {
	wrapped := fmt.Errorf("translate: 0x1000: %w", ErrUnmapped)
	if got := Code(wrapped); got != -6 {
		t.Fatalf("Code(wrapped) = %d, want -6", got)
	}
}
