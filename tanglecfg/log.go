package tanglecfg

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/sputn1ck/tanglewallet/binding"
	"github.com/sputn1ck/tanglewallet/chain/node"
	"github.com/sputn1ck/tanglewallet/client"
	"github.com/sputn1ck/tanglewallet/db"
	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/sending"
	"github.com/sputn1ck/tanglewallet/wallet"
)

// subsystems maps every subsystem tag to the function that installs its
// logger.
var subsystems = map[string]func(btclog.Logger){
	binding.Subsystem: binding.UseLogger,
	client.Subsystem:  client.UseLogger,
	db.Subsystem:      db.UseLogger,
	keyring.Subsystem: keyring.UseLogger,
	node.Subsystem:    node.UseLogger,
	pow.Subsystem:     pow.UseLogger,
	sending.Subsystem: sending.UseLogger,
	wallet.Subsystem:  wallet.UseLogger,
}

// SupportedSubsystems returns the sorted subsystem tags.
func SupportedSubsystems() []string {
	tags := make([]string, 0, len(subsystems))
	for tag := range subsystems {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return tags
}

// SetupLoggers creates a logger per subsystem writing to w at the levels
// given by debugLevel and hands them to their packages.
func SetupLoggers(w io.Writer, debugLevel string) error {
	levels, err := parseDebugLevel(debugLevel)
	if err != nil {
		return err
	}

	backend := btclog.NewBackend(w)
	for tag, useLogger := range subsystems {
		logger := backend.Logger(tag)
		logger.SetLevel(levels.level(tag))
		useLogger(logger)
	}

	return nil
}

type debugLevels struct {
	global    btclog.Level
	subsystem map[string]btclog.Level
}

func (d *debugLevels) level(tag string) btclog.Level {
	if l, ok := d.subsystem[tag]; ok {
		return l
	}

	return d.global
}

// parseDebugLevel parses either a single level for all subsystems, or
// <global-level>,<subsystem>=<level>,... where the global level is
// optional.
func parseDebugLevel(s string) (*debugLevels, error) {
	levels := &debugLevels{
		global:    btclog.LevelInfo,
		subsystem: make(map[string]btclog.Level),
	}
	if s == "" {
		return levels, nil
	}

	for i, part := range strings.Split(s, ",") {
		fields := strings.Split(part, "=")
		switch {
		case len(fields) == 1 && i == 0:
			l, ok := btclog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("invalid debug level %q",
					fields[0])
			}
			levels.global = l

		case len(fields) == 2:
			tag, lvl := fields[0], fields[1]
			if _, ok := subsystems[tag]; !ok {
				return nil, fmt.Errorf("unknown subsystem %q, "+
					"supported subsystems: %v", tag,
					SupportedSubsystems())
			}
			l, ok := btclog.LevelFromString(lvl)
			if !ok {
				return nil, fmt.Errorf("invalid debug level %q "+
					"for %v", lvl, tag)
			}
			levels.subsystem[tag] = l

		default:
			return nil, fmt.Errorf("invalid debug level "+
				"specification %q", part)
		}
	}

	return levels, nil
}
