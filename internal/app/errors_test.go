package app

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "invalid item type", err: errInvalidItemType("setStatus", "checkbox"), want: KindInvalidItemType},
		{name: "invalid status", err: errInvalidStatus("Done", []string{"Open"}), want: KindInvalidStatus},
		{name: "forbidden", err: errForbidden(), want: KindForbidden},
		{name: "wrapped forbidden", err: fmt.Errorf("mutate: %w", errForbidden()), want: KindForbidden},
		{name: "validation", err: errValidation("checklistId is required"), want: KindUnexpected},
		{name: "plain", err: errors.New("db down"), want: KindUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}
