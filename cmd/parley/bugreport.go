package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/parley/internal/config"
	"github.com/ship-commander/parley/internal/harness"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit = 3
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted config and the last debate into a diagnostic bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			sessionsDir := ""
			if cfg != nil {
				sessionsDir = cfg.SessionsDir
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), sessionsDir)
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, sessionsDir string) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	bundlePath := filepath.Join(cwd, fmt.Sprintf("parley-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))

	stagingDir, err := os.MkdirTemp("", "parley-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	report, err := collectBugreportArtifacts(ctx, bugreportPaths{home: homeDir, cwd: cwd, sessions: sessionsDir}, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportPaths struct {
	home     string
	cwd      string
	sessions string
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	SessionID string
	Warnings  []string
}

func collectBugreportArtifacts(ctx context.Context, paths bugreportPaths, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyRecentLogs(filepath.Join(paths.home, ".parley", "logs"), stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.SessionID = extractLastSessionID(logFiles)
	if summary.SessionID == "" {
		summary.Warnings = append(summary.Warnings, "no session_id found in copied logs")
	}

	if err := writeVersionFile(stagingDir, summary.Version); err != nil {
		return bugreportSummary{}, err
	}
	configs := map[string]string{
		"config-home.toml":    filepath.Join(paths.home, ".parley", "config.toml"),
		"config-project.toml": filepath.Join(paths.cwd, ".parley", "config.toml"),
	}
	for _, name := range []string{"config-home.toml", "config-project.toml"} {
		if err := copyRedactedConfig(configs[name], filepath.Join(stagingDir, name), &summary); err != nil {
			return bugreportSummary{}, err
		}
	}
	if err := writeHarnessVersions(ctx, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	if err := copySessionArtifacts(paths.sessions, summary.SessionID, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}

	return summary, nil
}

func copyRecentLogs(logsDir string, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copied := make([]string, 0, len(files))
	for _, file := range files {
		if err := copyFile(file.path, filepath.Join(destDir, filepath.Base(file.path))); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, err))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// extractLastSessionID returns the session_id of the newest JSON log record that has one.
// logPaths are ordered newest first.
func extractLastSessionID(logPaths []string) string {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the ~/.parley/logs listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			if id, ok := record["session_id"].(string); ok && strings.TrimSpace(id) != "" {
				return strings.TrimSpace(id)
			}
		}
	}
	return ""
}

func writeVersionFile(stagingDir, version string) error {
	content := fmt.Sprintf("parley version: %s\n", strings.TrimSpace(version))
	if err := os.WriteFile(filepath.Join(stagingDir, "version.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write version.txt: %w", err)
	}
	return nil
}

func copyRedactedConfig(source, destination string, summary *bugreportSummary) error {
	// #nosec G304 -- config paths are fixed locations under ~/.parley and ./.parley.
	configData, err := os.ReadFile(source)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read config %s: %v", source, err))
		configData = []byte("# config unavailable\n")
	}
	if err := os.WriteFile(destination, []byte(redactSensitiveConfig(string(configData))), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		separator := "="
		if !strings.Contains(line, "=") {
			separator = ":"
		}
		key, _, ok := strings.Cut(line, separator)
		if !ok || !harness.IsSensitiveToken(strings.TrimSpace(key)) {
			continue
		}
		lines[i] = key + separator + " \"***REDACTED***\""
	}
	return strings.Join(lines, "\n")
}

func writeHarnessVersions(ctx context.Context, stagingDir string) error {
	sections := make([]string, 0, 4)
	for _, name := range []string{harness.HarnessClaude, harness.HarnessCodex} {
		sections = append(sections, "["+strings.ToUpper(name)+"]", runCommandForBugreport(ctx, name, "--version"), "")
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "harness-versions.txt"), []byte(strings.Join(sections, "\n")), 0o600); err != nil {
		return fmt.Errorf("write harness-versions.txt: %w", err)
	}
	return nil
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func copySessionArtifacts(sessionsDir, sessionID, stagingDir string, summary *bugreportSummary) error {
	if strings.TrimSpace(sessionsDir) == "" || sessionID == "" {
		return nil
	}
	destDir := filepath.Join(stagingDir, "session")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create session staging directory: %w", err)
	}
	for _, name := range []string{sessionID + ".json", sessionID + ".md"} {
		if err := copyFile(filepath.Join(sessionsDir, name), filepath.Join(destDir, name)); err != nil {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to copy session artifact %s: %v", name, err))
		}
	}
	return nil
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("parley bug report\n")
	builder.WriteString("=================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("session_id: %s\n\n", summary.SessionID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString("- logs/ (up to the last 3 log files)\n")
	builder.WriteString("- config-home.toml and config-project.toml (redacted)\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- harness-versions.txt\n")
	builder.WriteString("- session/ (snapshot and transcript of the last logged debate)\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is a generated name in the current directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer func() { _ = file.Close() }()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

func copyFile(source, destination string) error {
	// #nosec G304 -- callers pass paths under ~/.parley or the sessions directory.
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	return os.WriteFile(destination, data, 0o600)
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
