package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/shineum/mailfanout/internal/distribution"
)

var errRoundTrip = errors.New("distribution changed across JSON round trip")

// runRoundTrip builds a distribution, encodes it in both JSON shapes and
// checks that decoding gives back the same address set.
func runRoundTrip(w io.Writer, from, to, cc, bcc string) error {
	dist, err := distribution.New(from, to)
	if err != nil {
		return err
	}
	if _, err := dist.AddCc(cc); err != nil {
		return err
	}
	if _, err := dist.AddBcc(bcc); err != nil {
		return err
	}

	for _, enc := range []struct {
		name   string
		encode func() ([]byte, error)
	}{
		{"flat", dist.EncodeFlat},
		{"with-groups", dist.EncodeWithGroups},
	} {
		data, err := enc.encode()
		if err != nil {
			return fmt.Errorf("%s: %w", enc.name, err)
		}
		fmt.Fprintf(w, "%s: %s\n", enc.name, data)

		back, err := distribution.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: %w", enc.name, err)
		}
		if !back.Equal(dist) || back.Hash() != dist.Hash() {
			return fmt.Errorf("%s: %w", enc.name, errRoundTrip)
		}
	}
	return nil
}
