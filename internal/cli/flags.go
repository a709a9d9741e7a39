package cli

import (
	"errors"
	"flag"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// Flags overrides the loaded configuration from the command line.
type Flags struct {
	ConfigPath string
	Server     string
	Room       string
	StateFile  string
	// Offline runs against an in-process tree instead of a server.
	Offline bool
	Verbose bool
}

// ParseFlags reads the client's flags. Empty values leave the configuration
// untouched.
func ParseFlags(args []string, stderr io.Writer) (Flags, error) {
	var f Flags

	fs := flag.NewFlagSet("askwall", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&f.ConfigPath, "config", "", "path to a YAML config file")
	fs.StringVar(&f.Server, "server", "", "server URL (default from ASKWALL_SERVER)")
	fs.StringVar(&f.Room, "room", "", "room to join on start")
	fs.StringVar(&f.StateFile, "state", "", "file keeping the device id, quotas and recent rooms")
	fs.BoolVar(&f.Offline, "offline", false, "use an in-process store, nothing leaves this terminal")
	fs.BoolVar(&f.Verbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if fs.NArg() > 0 {
		// a bare argument is the room, as in a shared link
		if f.Room != "" {
			return Flags{}, errors.New("room given twice, use either -room or an argument")
		}
		f.Room = fs.Arg(0)
	}

	if f.Server != "" {
		u, err := url.Parse(f.Server)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Flags{}, errors.New("-server must be an http or https URL")
		}
		if f.Offline {
			return Flags{}, errors.New("-server and -offline are exclusive")
		}
	}
	return f, nil
}

// RoomFromLink accepts a room name or a shared link carrying ?room=.
func RoomFromLink(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return s
	}
	return u.Query().Get("room")
}

// DefaultStateFile is askwall/state.json under the user's config directory,
// or in the working directory when there is none.
func DefaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "askwall-state.json"
	}
	return filepath.Join(dir, "askwall", "state.json")
}
