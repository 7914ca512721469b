package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfig_WithDefaults(t *testing.T) {
	cfg := ServiceConfig{}.WithDefaults()
	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, DefaultDisplayName, cfg.DisplayName)
	assert.Equal(t, DefaultDescription, cfg.Description)
	assert.Equal(t, DefaultConfigPath(), cfg.ConfigPath)

	cfg = ServiceConfig{Name: "filemesh-b", ConfigPath: "/srv/b.yaml"}.WithDefaults()
	assert.Equal(t, "filemesh-b", cfg.Name)
	assert.Equal(t, "/srv/b.yaml", cfg.ConfigPath)
}

func TestNewServiceConfig(t *testing.T) {
	cfg := ServiceConfig{ConfigPath: "/etc/filemesh/master.yaml", UserName: "filemesh"}.WithDefaults()
	svcCfg := NewServiceConfig(cfg)

	assert.Equal(t, DefaultName, svcCfg.Name)
	assert.Equal(t, []string{RunFlag, "serve", "--config", "/etc/filemesh/master.yaml"}, svcCfg.Arguments)
	assert.True(t, IsServiceMode(svcCfg.Arguments))

	if runtime.GOOS == "linux" {
		assert.Equal(t, "filemesh", svcCfg.UserName)
		assert.Equal(t, "on-failure", svcCfg.Option["Restart"])
	}
}

func TestIsServiceMode(t *testing.T) {
	assert.False(t, IsServiceMode([]string{"filemesh", "serve"}))
	assert.True(t, IsServiceMode([]string{"filemesh", RunFlag, "serve"}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/tmp/master.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/tmp/master.yaml", path)
	case <-time.After(2 * time.Second):
		t.Fatal("run function not called")
	}

	// A cancelled run is a clean stop.
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_StopReturnsRunError(t *testing.T) {
	prg := &Program{
		Run: func(ctx context.Context, configPath string) error {
			return errors.New("load config: missing")
		},
	}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "load config: missing")
}

func TestProgram_StartWithoutRun(t *testing.T) {
	prg := &Program{}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}

func TestLogsCommand(t *testing.T) {
	tests := []struct {
		name     string
		goos     string
		opts     LogOptions
		wantName string
		wantArgs []string
		wantErr  bool
	}{
		{
			name:     "linux defaults",
			goos:     "linux",
			wantName: "journalctl",
			wantArgs: []string{"-u", "filemesh", "-n", "50", "--no-pager"},
		},
		{
			name:     "linux follow",
			goos:     "linux",
			opts:     LogOptions{ServiceName: "fm", Lines: 10, Follow: true},
			wantName: "journalctl",
			wantArgs: []string{"-u", "fm", "-n", "10", "--no-pager", "-f"},
		},
		{
			name:     "darwin",
			goos:     "darwin",
			opts:     LogOptions{Lines: 5},
			wantName: "tail",
			wantArgs: []string{"-n", "5", "/usr/local/var/log/filemesh.err.log", "/usr/local/var/log/filemesh.out.log"},
		},
		{
			name:    "unsupported",
			goos:    "plan9",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, err := logsCommand(tt.goos, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
