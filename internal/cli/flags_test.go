package cli

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    []string
		want    Flags
		wantErr string
	}{
		{name: "empty", args: nil, want: Flags{}},
		{
			name: "all",
			args: []string{"-config", "c.yaml", "-server", "https://ask.example.com", "-room", "town-hall", "-state", "/tmp/s.json", "-v"},
			want: Flags{ConfigPath: "c.yaml", Server: "https://ask.example.com", Room: "town-hall", StateFile: "/tmp/s.json", Verbose: true},
		},
		{name: "room as argument", args: []string{"-offline", "standup"}, want: Flags{Room: "standup", Offline: true}},
		{name: "room twice", args: []string{"-room", "a", "b"}, wantErr: "room given twice"},
		{name: "bad server", args: []string{"-server", "localhost:8080"}, wantErr: "http or https"},
		{name: "server and offline", args: []string{"-offline", "-server", "http://x"}, wantErr: "exclusive"},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: "not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlags(tt.args, io.Discard)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoomFromLink(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "standup", RoomFromLink("standup"))
	assert.Equal(t, "q4-review", RoomFromLink("https://ask.example.com/?room=q4-review"))
	assert.Equal(t, "", RoomFromLink("https://ask.example.com/"))
}

func TestDefaultStateFile(t *testing.T) {
	t.Parallel()
	assert.True(t, strings.HasSuffix(DefaultStateFile(), ".json"))
}
