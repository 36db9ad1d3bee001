// Package flagx lets several components parse their own subset of os.Args
// without tripping over each other's flags.
package flagx

import (
	"flag"
	"os"
	"strings"
)

// ConfigEnv names the environment variable consulted when no -c/-config flag
// is given.
const ConfigEnv = "VAULT_CONFIG"

// ConfigFlags select the JSON config file.
var ConfigFlags = []string{"-c", "-config"}

// FilterArgs returns only the listed flags (and their values) from args.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
func FilterArgs(args []string, allowedFlags []string) []string {
	return partition(args, allowedFlags, true)
}

// ExcludeArgs is the complement of FilterArgs: it drops the listed flags and
// their values and keeps everything else, positional arguments included.
// A CLI uses it to hand the rest of a command line to its own parser once the
// shared server flags were consumed by LoadConfig.
func ExcludeArgs(args []string, flags []string) []string {
	return partition(args, flags, false)
}

func partition(args []string, flags []string, keepListed bool) []string {
	listed := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		listed[f] = struct{}{}
	}

	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		name, hasValue := arg, false
		if strings.HasPrefix(arg, "-") {
			name, _, hasValue = strings.Cut(arg, "=")
		}
		_, isListed := listed[name]

		group := args[i : i+1]
		// a following non-flag argument is a listed flag's value
		if isListed && !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			group = args[i : i+2]
			i++
		}

		if isListed == keepListed {
			out = append(out, group...)
		}
	}

	return out
}

// JsonConfigFlags returns the config file path given via -c or -config, falling
// back to $VAULT_CONFIG. Empty means no file.
func JsonConfigFlags() string {
	var config string

	args := FilterArgs(os.Args[1:], ConfigFlags)

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	if config == "" {
		config = strings.TrimSpace(os.Getenv(ConfigEnv))
	}

	return config
}
