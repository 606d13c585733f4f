// Package health is the out-of-process watchdog: it probes the service
// health endpoint, restarts the service when it stays down, rotates and
// scans logs, and alerts on disk pressure and stale backups. It runs
// from cron or a timer, so every piece of state lives in small files
// that survive between invocations.
package health

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"time"
)

const (
	// restartThrottle spaces restart attempts.
	restartThrottle = 180 * time.Second
	// maxRestartFails stops restart attempts in favor of an alert.
	maxRestartFails = 3
	// diskAlertPercent is the used-space alert threshold.
	diskAlertPercent = 90
	// logRotateBytes rotates the service log beyond this size.
	logRotateBytes = 10 << 20
	// logScanWindow is how far back the log scan looks.
	logScanWindow = 300 * time.Second
	// alertCooldown spaces repeated log alerts.
	alertCooldown = 1800 * time.Second
	// backupStaleAfter flags a backup chain that stopped advancing.
	backupStaleAfter = 2 * time.Hour
	// backupStampLayout names backup directories.
	backupStampLayout = "2006-01-02_1504"
)

// State file names under the base directory.
const (
	stateLastRestart  = ".last_restart_attempt"
	stateRestartFails = ".restart_fail_count"
	stateLastLogAlert = ".last_log_alert"
)

var backupStampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{4}$`)

// Config locates everything the controller touches.
type Config struct {
	BaseDir     string // state files live here
	HealthURL   string // the dispatcher's health endpoint
	ServiceName string // systemd/launchd unit to restart
	LogPath     string // service log for rotation and scanning
	BackupDir   string // backup destination holding hourly/ stamps
	DiskPath    string // filesystem to watch for pressure
}

// Alerter delivers one operator notification.
type Alerter func(ctx context.Context, text string) error

// Controller runs one round of checks per invocation.
type Controller struct {
	cfg   Config
	log   *slog.Logger
	alert Alerter

	http   *http.Client
	runCmd func(ctx context.Context, name string, args ...string) error
	now    func() time.Time
}

func New(cfg Config, alert Alerter, log *slog.Logger) *Controller {
	return &Controller{
		cfg:   cfg,
		log:   log,
		alert: alert,
		http:  &http.Client{Timeout: 15 * time.Second},
		runCmd: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
		now: time.Now,
	}
}

// Check runs every probe and delivers at most one combined alert.
func (c *Controller) Check(ctx context.Context) error {
	var issues []string

	if err := c.checkService(ctx); err != nil {
		issues = append(issues, err.Error())
	}
	if err := c.checkDisk(); err != nil {
		issues = append(issues, err.Error())
	}
	if err := c.rotateLog(); err != nil {
		c.log.Warn("health.rotate_failed", "error", err)
	}
	if err := c.checkBackups(); err != nil {
		issues = append(issues, err.Error())
	}
	issues = append(issues, c.scanLog()...)

	if len(issues) == 0 {
		c.log.Info("health.ok")
		return nil
	}
	return c.maybeAlert(ctx, issues)
}

// checkService probes the health endpoint. Only connection failures
// trigger a restart: a 503 means the process is up but degraded, and
// restarting it would not help. Restarts are throttled and capped by
// the attempt count, which clears only on a 200.
func (c *Controller) checkService(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	resp, err := c.http.Do(req)
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			c.clearState(stateRestartFails)
			c.clearState(stateLastRestart)
			return nil
		case http.StatusServiceUnavailable:
			c.log.Warn("health.service_degraded")
			return fmt.Errorf("health endpoint reports degraded")
		default:
			c.log.Warn("health.service_unexpected", "status", resp.StatusCode)
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
	}
	c.log.Warn("health.service_down", "error", err)

	fails := c.readCount(stateRestartFails)
	if fails >= maxRestartFails {
		return fmt.Errorf("service down after %d restart attempts, manual intervention required", fails)
	}
	last := c.readStamp(stateLastRestart)
	if c.now().Sub(last) < restartThrottle {
		c.log.Info("health.restart_throttled", "last_attempt", last)
		return fmt.Errorf("service down: %v", err)
	}

	// Count the attempt regardless of how the restart command fares.
	c.writeStamp(stateLastRestart, c.now())
	c.writeCount(stateRestartFails, fails+1)
	name, args := c.restartCommand()
	if restartErr := c.runCmd(ctx, name, args...); restartErr != nil {
		// Drop the throttle stamp so the next run can retry sooner.
		c.clearState(stateLastRestart)
		return fmt.Errorf("service restart failed (%d/%d): %v", fails+1, maxRestartFails, restartErr)
	}
	c.log.Warn("health.service_restarted", "unit", c.cfg.ServiceName, "attempt", fails+1)
	return fmt.Errorf("service was down, restarted (%d/%d)", fails+1, maxRestartFails)
}

// restartCommand picks the service manager invocation for the platform.
func (c *Controller) restartCommand() (string, []string) {
	if runtime.GOOS == "darwin" {
		target := fmt.Sprintf("gui/%d/%s", os.Getuid(), c.cfg.ServiceName)
		return "launchctl", []string{"kickstart", "-k", target}
	}
	return "systemctl", []string{"--user", "restart", c.cfg.ServiceName}
}

// checkDisk alerts past the usage threshold.
func (c *Controller) checkDisk() error {
	if c.cfg.DiskPath == "" {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.cfg.DiskPath, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", c.cfg.DiskPath, err)
	}
	if stat.Blocks == 0 {
		return nil
	}
	used := 100 - int(stat.Bavail*100/stat.Blocks)
	if used >= diskAlertPercent {
		return fmt.Errorf("disk %s at %d%% used", c.cfg.DiskPath, used)
	}
	return nil
}

// rotateLog moves an oversized log aside, keeping one generation.
func (c *Controller) rotateLog() error {
	if c.cfg.LogPath == "" {
		return nil
	}
	info, err := os.Stat(c.cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < logRotateBytes {
		return nil
	}
	if err := os.Rename(c.cfg.LogPath, c.cfg.LogPath+".1"); err != nil {
		return err
	}
	c.log.Info("health.log_rotated", "path", c.cfg.LogPath, "size", info.Size())
	return nil
}

// checkBackups flags a backup chain whose newest stamp is stale.
func (c *Controller) checkBackups() error {
	if c.cfg.BackupDir == "" {
		return nil
	}
	hourly := filepath.Join(c.cfg.BackupDir, "claudio-backups", "hourly")
	entries, err := os.ReadDir(hourly)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backups found under %s", hourly)
		}
		return fmt.Errorf("read backups: %w", err)
	}
	var newest time.Time
	for _, e := range entries {
		if !backupStampPattern.MatchString(e.Name()) {
			continue
		}
		ts, err := time.ParseInLocation(backupStampLayout, e.Name(), time.Local)
		if err != nil {
			continue
		}
		if ts.After(newest) {
			newest = ts
		}
	}
	if newest.IsZero() {
		return fmt.Errorf("no backups found under %s", hourly)
	}
	if age := c.now().Sub(newest); age > backupStaleAfter {
		return fmt.Errorf("newest backup is %s old", age.Round(time.Minute))
	}
	return nil
}

// Log scan patterns. The watchdog's own probe noise and the warnings it
// already reports through other checks are excluded so one outage does
// not double-alert.
var (
	errorExcludes = []string{"health.service_down", "health.alert_failed"}
	warnExcludes  = []string{"health.", "disk ", "backup"}
)

// scanLog inspects the recent service log: error lines, restart loops,
// timing-out agent runs, and leftover warnings. Lines carry RFC3339-ish
// timestamps up front; anything older than the window or unparseable is
// skipped.
func (c *Controller) scanLog() []string {
	if c.cfg.LogPath == "" {
		return nil
	}
	tail, err := readTail(c.cfg.LogPath, 256<<10)
	if err != nil {
		return nil
	}
	cutoff := c.now().Add(-logScanWindow)
	var errorCount, warnCount, startCount, timeoutCount int
	for _, raw := range bytes.Split(tail, []byte("\n")) {
		line := string(raw)
		if ts, ok := lineTime(raw); ok && ts.Before(cutoff) {
			continue
		}
		switch {
		case strings.Contains(line, "dispatch.listen"):
			startCount++
		case strings.Contains(line, "agent.run_timeout"):
			timeoutCount++
		case strings.Contains(line, "level=ERROR") || strings.Contains(line, " ERROR "):
			if !containsAny(line, errorExcludes) {
				errorCount++
			}
		case strings.Contains(line, "level=WARN") || strings.Contains(line, " WARN "):
			if !containsAny(line, warnExcludes) {
				warnCount++
			}
		}
	}

	var issues []string
	if errorCount > 0 {
		issues = append(issues, fmt.Sprintf("%d error lines in the service log", errorCount))
	}
	if startCount >= 3 {
		issues = append(issues, fmt.Sprintf("service restarted %d times in %s", startCount, logScanWindow))
	}
	if timeoutCount >= 3 {
		issues = append(issues, fmt.Sprintf("%d agent runs timed out", timeoutCount))
	}
	if warnCount > 0 {
		issues = append(issues, fmt.Sprintf("%d warning lines in the service log", warnCount))
	}
	return issues
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// lineTime parses the leading timestamp of a log line.
func lineTime(line []byte) (time.Time, bool) {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return time.Time{}, false
	}
	first := strings.TrimPrefix(fields[0], "time=")
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
		if ts, err := time.Parse(layout, first); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// readTail returns up to max bytes from the end of a file.
func readTail(path string, max int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(0)
	if info.Size() > max {
		offset = info.Size() - max
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// maybeAlert sends one combined notification, spaced by the cooldown.
func (c *Controller) maybeAlert(ctx context.Context, issues []string) error {
	summary := "Claudio health check:\n- " + strings.Join(issues, "\n- ")
	c.log.Warn("health.issues", "count", len(issues))

	last := c.readStamp(stateLastLogAlert)
	if c.now().Sub(last) < alertCooldown {
		return fmt.Errorf("%d issues (alert cooling down)", len(issues))
	}
	if c.alert == nil {
		return fmt.Errorf("%d issues (no alerter configured)", len(issues))
	}
	if err := c.alert(ctx, summary); err != nil {
		c.log.Error("health.alert_failed", "error", err)
		return fmt.Errorf("%d issues (alert failed: %v)", len(issues), err)
	}
	c.writeStamp(stateLastLogAlert, c.now())
	return fmt.Errorf("%d issues reported", len(issues))
}
