package logger

import (
	"strings"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
)

func TestGetLogsFiltersByLevel(t *testing.T) {
	InitLogger(logging.DEBUG)

	Debugf("debug line %d", 1)
	Warningf("warning line %d", 2)
	Errorf("error line %d", 3)

	lines := GetLogs(10, "warning")
	assert.NotEmpty(t, lines)
	for _, l := range lines {
		assert.NotContains(t, l, "debug line")
	}
	assert.True(t, strings.Contains(lines[0], "error line 3"), "newest first")
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, logging.INFO, ParseLevel("nonsense"))
	assert.Equal(t, logging.DEBUG, ParseLevel("DEBUG"))
}
