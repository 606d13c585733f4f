package health

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State files hold one value each and are written atomically so a
// half-finished run never corrupts the next one.

func (c *Controller) statePath(name string) string {
	return filepath.Join(c.cfg.BaseDir, name)
}

func (c *Controller) readStamp(name string) time.Time {
	raw, err := os.ReadFile(c.statePath(name))
	if err != nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func (c *Controller) writeStamp(name string, t time.Time) {
	c.writeState(name, strconv.FormatInt(t.Unix(), 10))
}

func (c *Controller) readCount(name string) int {
	raw, err := os.ReadFile(c.statePath(name))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (c *Controller) writeCount(name string, n int) {
	c.writeState(name, strconv.Itoa(n))
}

func (c *Controller) clearState(name string) {
	_ = os.Remove(c.statePath(name))
}

func (c *Controller) writeState(name, value string) {
	path := c.statePath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o600); err != nil {
		c.log.Warn("health.state_write_failed", "file", name, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.log.Warn("health.state_write_failed", "file", name, "error", err)
	}
}
