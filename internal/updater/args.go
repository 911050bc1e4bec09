// ABOUTME: Positional argument contract between the agent and the updater helper
// ABOUTME: targetPath newBinaryPath backupDir parentProcessId [version]

package updater

import (
	"errors"
	"fmt"
	"strconv"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Flags passed to the relaunched agent after a successful update.
const (
	PostUpdateFlag = "--post-update"
	VersionFlag    = "--version"
)

// ErrUsage wraps every argument parsing failure.
var ErrUsage = errors.New("usage: fleet-updater <targetPath> <newBinaryPath> <backupDir> <parentPid> [version]")

// Args is the parsed helper invocation.
type Args struct {
	TargetPath    string
	NewBinaryPath string
	BackupDir     string
	ParentPID     int
	Version       string
}

// ParseArgs parses the positional arguments, excluding the program name.
func ParseArgs(args []string) (Args, error) {
	if len(args) < 4 || len(args) > 5 {
		return Args{}, fmt.Errorf("%w: got %d arguments", ErrUsage, len(args))
	}
	pid, err := strconv.Atoi(args[3])
	if err != nil || pid < 0 {
		return Args{}, fmt.Errorf("%w: invalid parent pid %q", ErrUsage, args[3])
	}
	a := Args{
		TargetPath:    args[0],
		NewBinaryPath: args[1],
		BackupDir:     args[2],
		ParentPID:     pid,
	}
	if a.TargetPath == "" || a.NewBinaryPath == "" || a.BackupDir == "" {
		return Args{}, fmt.Errorf("%w: empty path", ErrUsage)
	}
	if len(args) == 5 {
		a.Version = args[4]
	}
	return a, nil
}

// Argv renders a back into the positional form, for the launching side.
func (a Args) Argv() []string {
	out := []string{a.TargetPath, a.NewBinaryPath, a.BackupDir, strconv.Itoa(a.ParentPID)}
	if a.Version != "" {
		out = append(out, a.Version)
	}
	return out
}

// RelaunchArgs returns the arguments the updated agent is started with.
func RelaunchArgs(version string) []string {
	out := []string{PostUpdateFlag}
	if version != "" {
		out = append(out, VersionFlag, version)
	}
	return out
}
