// Package identity extracts the worker identity and the requested input from
// the invocation arguments. Arguments are otherwise treated as opaque and are
// forwarded to the workload untouched.
package identity

import (
	"errors"
	"strings"

	"github.com/quatton/rvcsync/pkg/qerr"
)

const (
	FlagUser  = "--user"
	FlagModel = "--model_name"
	FlagInput = "--input"
)

// WorkerIdentity scopes every local and remote path used in a run.
type WorkerIdentity struct {
	User  string
	Model string
}

// String returns "user/model".
func (id WorkerIdentity) String() string {
	return id.User + "/" + id.Model
}

// Expand substitutes {user} and {model} in tmpl.
func (id WorkerIdentity) Expand(tmpl string) string {
	return strings.NewReplacer("{user}", id.User, "{model}", id.Model).Replace(tmpl)
}

// Invocation is the parsed argument vector.
type Invocation struct {
	Identity       WorkerIdentity
	RequestedInput string
	// Args is the full argument vector, forwarded verbatim to the workload.
	Args []string
}

// Parse scans args for the identity flags. Both "--flag value" and
// "--flag=value" forms are accepted; a flag followed by another flag counts as
// having no value.
func Parse(args []string) (*Invocation, error) {
	inv := &Invocation{Args: append([]string(nil), args...)}

	var missing []string
	user, okUser := lookup(args, FlagUser)
	model, okModel := lookup(args, FlagModel)
	if !okUser {
		missing = append(missing, FlagUser)
	}
	if !okModel {
		missing = append(missing, FlagModel)
	}
	if len(missing) > 0 {
		return nil, qerr.Newf(qerr.CodeConfiguration,
			"missing required flag(s) %s; usage: rvcsync %s <user> %s <model> [%s <name>] [workload args...]",
			strings.Join(missing, ", "), FlagUser, FlagModel, FlagInput)
	}

	for _, f := range []struct{ flag, value string }{{FlagUser, user}, {FlagModel, model}} {
		if err := checkSegment(f.value); err != nil {
			return nil, qerr.Newf(qerr.CodeConfiguration, "invalid %s %q: %v", f.flag, f.value, err)
		}
	}

	inv.Identity = WorkerIdentity{User: user, Model: model}
	inv.RequestedInput, _ = lookup(args, FlagInput)
	return inv, nil
}

// RequireInput enforces that --input is present when the input has to be
// resolved against the remote store.
func (inv *Invocation) RequireInput(syncEnabled bool, inputKeyOverride string) error {
	if !syncEnabled || inputKeyOverride != "" || inv.RequestedInput != "" {
		return nil
	}
	return qerr.Newf(qerr.CodeConfiguration,
		"%s is required when sync is enabled; pass %s <name> or set INPUT_KEY to the exact object key", FlagInput, FlagInput)
}

// checkSegment rejects values that would not stay a single path element once
// substituted into a local directory or a remote prefix.
func checkSegment(v string) error {
	switch {
	case v == "." || v == "..":
		return errors.New("must not be . or ..")
	case strings.ContainsAny(v, `/\`+"\x00"):
		return errors.New("must not contain path separators")
	}
	return nil
}

// lookup returns the value of the last occurrence of flag.
func lookup(args []string, flag string) (string, bool) {
	var (
		value string
		found bool
	)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == flag:
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") && args[i+1] != "" {
				value, found = args[i+1], true
				i++
			} else {
				value, found = "", false
			}
		case strings.HasPrefix(arg, flag+"="):
			v := strings.TrimPrefix(arg, flag+"=")
			value, found = v, v != ""
		}
	}
	return value, found
}
