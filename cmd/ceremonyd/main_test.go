package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/cmd/ceremonyd/cmd"
)

func TestResolveHome(t *testing.T) {
	t.Setenv(cmd.EnvHome, "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"default", []string{"serve"}, cmd.DefaultHome()},
		{"separate value", []string{"serve", "--home", "/srv/ceremony"}, "/srv/ceremony"},
		{"equals form", []string{"--home=/srv/other", "serve"}, "/srv/other"},
		{"dangling flag", []string{"serve", "--home"}, cmd.DefaultHome()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, resolveHome(tc.args))
		})
	}

	t.Setenv(cmd.EnvHome, "/from/env")
	require.Equal(t, "/from/env", resolveHome([]string{"--home", "/srv/ceremony"}))
}
