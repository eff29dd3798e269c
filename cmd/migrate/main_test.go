package main

import "testing"

func TestStepsArg(t *testing.T) {
	cases := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{args: []string{"down"}, want: 1},
		{args: []string{"down", "3"}, want: 3},
		{args: []string{"down", "0"}, wantErr: true},
		{args: []string{"down", "x"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := stepsArg(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("stepsArg(%v) expected error", tc.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("stepsArg(%v) unexpected error: %v", tc.args, err)
		}
		if got != tc.want {
			t.Fatalf("stepsArg(%v) = %d, want %d", tc.args, got, tc.want)
		}
	}
}
