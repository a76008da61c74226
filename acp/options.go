package acp

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/session"
)

// RuntimeOptionPatch is a partial update to persisted runtime options.
// Nil fields are left untouched; empty strings clear the option.
type RuntimeOptionPatch struct {
	RuntimeMode       *string
	Model             *string
	PermissionProfile *string
	TimeoutSeconds    *int
	Cwd               *string
}

// IsZero reports whether the patch changes nothing.
func (p RuntimeOptionPatch) IsZero() bool {
	return p.RuntimeMode == nil && p.Model == nil && p.PermissionProfile == nil &&
		p.TimeoutSeconds == nil && p.Cwd == nil
}

// ValidateRuntimeMode validates a runtime mode input.
func ValidateRuntimeMode(mode string) (string, error) {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return "", acpruntime.NewInvalidRuntimeOptionError("runtime mode must be non-empty text")
	}
	return mode, nil
}

// ValidateCwd validates a working directory input. Validated cwd values are
// always absolute paths (I4).
func ValidateCwd(cwd string) (string, error) {
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		return "", nil
	}
	if !filepath.IsAbs(cwd) {
		return "", acpruntime.NewInvalidRuntimeOptionError(
			fmt.Sprintf("cwd must be an absolute path, got %q", cwd))
	}
	return filepath.Clean(cwd), nil
}

// ValidateTimeoutSeconds validates a timeout input.
func ValidateTimeoutSeconds(timeout int) (int, error) {
	if timeout <= 0 {
		return 0, acpruntime.NewInvalidRuntimeOptionError(
			fmt.Sprintf("timeout must be a positive integer, got %d", timeout))
	}
	return timeout, nil
}

// ValidateRuntimeOptionPatch validates every set field of the patch before
// any backend call.
func ValidateRuntimeOptionPatch(patch RuntimeOptionPatch) (RuntimeOptionPatch, error) {
	if patch.RuntimeMode != nil && *patch.RuntimeMode != "" {
		mode, err := ValidateRuntimeMode(*patch.RuntimeMode)
		if err != nil {
			return patch, err
		}
		patch.RuntimeMode = &mode
	}
	if patch.Cwd != nil && *patch.Cwd != "" {
		cwd, err := ValidateCwd(*patch.Cwd)
		if err != nil {
			return patch, err
		}
		patch.Cwd = &cwd
	}
	if patch.TimeoutSeconds != nil {
		timeout, err := ValidateTimeoutSeconds(*patch.TimeoutSeconds)
		if err != nil {
			return patch, err
		}
		patch.TimeoutSeconds = &timeout
	}
	return patch, nil
}

// MergeRuntimeOptions applies a validated patch onto current options.
// Returns nil when the merged result is empty.
func MergeRuntimeOptions(current *session.AcpRuntimeOptions, patch RuntimeOptionPatch) *session.AcpRuntimeOptions {
	merged := current.Clone()
	if merged == nil {
		merged = &session.AcpRuntimeOptions{}
	}

	if patch.RuntimeMode != nil {
		merged.RuntimeMode = *patch.RuntimeMode
	}
	if patch.Model != nil {
		merged.Model = *patch.Model
	}
	if patch.PermissionProfile != nil {
		merged.PermissionProfile = *patch.PermissionProfile
	}
	if patch.TimeoutSeconds != nil {
		merged.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if patch.Cwd != nil {
		merged.Cwd = *patch.Cwd
	}

	if merged.IsZero() {
		return nil
	}
	return merged
}

// ControlSignature deterministically serializes runtime options (sorted keys,
// normalized values) so unchanged options can skip reapplying controls.
// The empty option set has an empty signature.
func ControlSignature(options *session.AcpRuntimeOptions) string {
	if options.IsZero() {
		return ""
	}

	pairs := make(map[string]string)
	if options.RuntimeMode != "" {
		pairs["runtimeMode"] = strings.TrimSpace(options.RuntimeMode)
	}
	if options.Model != "" {
		pairs["model"] = strings.TrimSpace(options.Model)
	}
	if options.PermissionProfile != "" {
		pairs["permissionProfile"] = strings.TrimSpace(options.PermissionProfile)
	}
	if options.TimeoutSeconds > 0 {
		pairs["timeoutSeconds"] = fmt.Sprintf("%d", options.TimeoutSeconds)
	}
	if options.Cwd != "" {
		pairs["cwd"] = options.Cwd
	}

	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(pairs[key])
	}
	return b.String()
}

// configOptionEntries maps runtime options onto backend config-option
// key/value pairs, sorted by key for deterministic apply order. RuntimeMode
// is excluded: it goes through session/set_mode.
func configOptionEntries(options *session.AcpRuntimeOptions) [][2]string {
	if options.IsZero() {
		return nil
	}

	var entries [][2]string
	if options.Model != "" {
		entries = append(entries, [2]string{"model", options.Model})
	}
	if options.PermissionProfile != "" {
		entries = append(entries, [2]string{"permission_profile", options.PermissionProfile})
	}
	if options.TimeoutSeconds > 0 {
		entries = append(entries, [2]string{"timeout_seconds", fmt.Sprintf("%d", options.TimeoutSeconds)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i][0] < entries[j][0] })
	return entries
}
