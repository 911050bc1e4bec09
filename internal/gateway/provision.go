// ABOUTME: Builds download commands for framed agents from the update manifest
// ABOUTME: Used both for installer auto-provisioning and check_update replies

package gateway

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/updates"
)

// CommandTypeDownload tells a framed agent to fetch a binary.
const CommandTypeDownload = "download"

// downloadTimeoutSeconds bounds how long the agent may take to fetch.
const downloadTimeoutSeconds = 600

// DownloadInstruction is the commandText of a download command.
type DownloadInstruction struct {
	Version       string `json:"version"`
	SHA256        string `json:"sha256"`
	URL           string `json:"url"`
	FileSizeBytes int64  `json:"file_size_bytes"`
}

// Advisor implements framed.UpdateAdvisor over an update service.
type Advisor struct {
	updates *updates.Service

	mu      sync.RWMutex
	baseURL string
}

// NewAdvisor creates an Advisor. baseURL prefixes download URLs; when empty
// the URL is relative ("/api/updates/download/<version>").
func NewAdvisor(svc *updates.Service, baseURL string) *Advisor {
	return &Advisor{updates: svc, baseURL: strings.TrimRight(baseURL, "/")}
}

// SetBaseURL replaces the download URL prefix.
func (a *Advisor) SetBaseURL(u string) {
	a.mu.Lock()
	a.baseURL = strings.TrimRight(u, "/")
	a.mu.Unlock()
}

// DownloadURL returns the URL agents fetch version from.
func (a *Advisor) DownloadURL(version string) string {
	a.mu.RLock()
	base := a.baseURL
	a.mu.RUnlock()
	return base + "/api/updates/download/" + url.PathEscape(version)
}

// ProvisionCommand returns a download of the latest release build.
func (a *Advisor) ProvisionCommand(session.Key) (session.Command, bool) {
	v, ok := a.updates.Latest(false)
	if !ok {
		return session.Command{}, false
	}
	return a.commandFor(v), true
}

// UpdateCommand returns a download command when something newer than
// current is published.
func (a *Advisor) UpdateCommand(current string, testMode bool) (session.Command, bool) {
	ok, v := a.updates.CheckForUpdate(current, testMode)
	if !ok {
		return session.Command{}, false
	}
	return a.commandFor(v), true
}

func (a *Advisor) commandFor(v updates.VersionInfo) session.Command {
	text, _ := json.Marshal(DownloadInstruction{
		Version:       v.Version,
		SHA256:        v.SHA256,
		URL:           a.DownloadURL(v.Version),
		FileSizeBytes: v.FileSizeBytes,
	})
	return session.NewCommand(CommandTypeDownload, string(text), downloadTimeoutSeconds)
}
