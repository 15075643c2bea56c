package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"maestro/internal/config"
	"maestro/pkg/logx"
	"maestro/pkg/shellx"
)

// Device preparation: adb connect, resolution switch, wake/unlock, app
// launch. Each step is best-effort idempotent so retry runs can repeat it.

const adbStepTimeout = 30 * time.Second

// adbShell builds an adb command for the given device serial.
func adbShell(deviceID, args string) string {
	if deviceID == "" {
		return "adb " + args
	}
	return fmt.Sprintf("adb -s %s %s", deviceID, args)
}

func (s *Service) runAdb(ctx context.Context, command string) (int, []string, error) {
	sctx, cancel := context.WithTimeout(ctx, adbStepTimeout)
	defer cancel()

	var lines []string
	res, err := shellx.Run(sctx, command, shellx.Options{
		OnLine: func(_ shellx.Stream, line string) {
			if len(lines) < 50 {
				lines = append(lines, line)
			}
		},
	})
	return res.ExitCode, lines, err
}

// prepareDevice runs the device steps in order, aborting on the first error.
func (s *Service) prepareDevice(ctx context.Context, task *config.TaskDefinition, log logx.Logger) error {
	dev := task.Device
	if dev.DeviceID == "" && dev.LaunchPackage == "" {
		return nil
	}

	if dev.DeviceID != "" {
		if err := s.connectDevice(ctx, dev.DeviceID, log); err != nil {
			return err
		}
		if dev.TargetResolution != "" {
			if err := s.switchResolution(ctx, dev.DeviceID, dev.TargetResolution, log); err != nil {
				return err
			}
		}
		if dev.Wake {
			if err := s.wakeDevice(ctx, dev.DeviceID, log); err != nil {
				return err
			}
		}
	}

	if dev.LaunchPackage != "" {
		// The launch delay gives the device time to settle after wake
		// before the app start.
		if delay, err := config.ParseDurationField("device.launch_delay", dev.LaunchDelay); err == nil && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := s.launchApp(ctx, dev, log); err != nil {
			return err
		}
	}
	return nil
}

// connectDevice issues adb connect once per network device. Serial-attached
// devices (no colon in the id) need no connect.
func (s *Service) connectDevice(ctx context.Context, deviceID string, log logx.Logger) error {
	if !strings.Contains(deviceID, ":") {
		return nil
	}

	s.mu.Lock()
	done := s.connected[deviceID]
	s.mu.Unlock()
	if done {
		return nil
	}

	code, out, err := s.runAdb(ctx, fmt.Sprintf("adb connect %s", deviceID))
	if err != nil {
		return errors.Wrap(err, "adb connect")
	}
	joined := strings.ToLower(strings.Join(out, "\n"))
	if code != 0 || strings.Contains(joined, "failed") || strings.Contains(joined, "cannot") {
		return errors.Errorf("adb connect %s: %s", deviceID, strings.Join(out, " | "))
	}

	s.mu.Lock()
	s.connected[deviceID] = true
	s.mu.Unlock()
	log.Debug("device connected", logx.String("device", deviceID))
	return nil
}

// switchResolution sets wm size, skipping the call when the last known value
// already matches. The last known value survives restarts via storage.
func (s *Service) switchResolution(ctx context.Context, deviceID, target string, log logx.Logger) error {
	key := "resolution:" + deviceID

	s.mu.Lock()
	last, cached := s.resolutions[deviceID]
	s.mu.Unlock()
	if !cached {
		if v, ok, err := s.store.GetDeviceState(ctx, key); err == nil && ok {
			last = v
		}
	}
	if last == target {
		log.Debug("resolution already set", logx.String("device", deviceID), logx.String("resolution", target))
		return nil
	}

	size := strings.Replace(target, ":", "x", 1)
	code, out, err := s.runAdb(ctx, adbShell(deviceID, "shell wm size "+size))
	if err != nil {
		return errors.Wrap(err, "wm size")
	}
	if code != 0 {
		return errors.Errorf("wm size %s failed: %s", size, strings.Join(out, " | "))
	}

	s.mu.Lock()
	s.resolutions[deviceID] = target
	s.mu.Unlock()
	if err := s.store.PutDeviceState(ctx, key, target); err != nil {
		log.Warn("persist resolution failed", logx.String("device", deviceID), logx.Err(err))
	}
	log.Info("resolution switched", logx.String("device", deviceID), logx.String("resolution", target))
	return nil
}

// wakeDevice wakes the screen and swipes up to dismiss a simple lockscreen.
func (s *Service) wakeDevice(ctx context.Context, deviceID string, log logx.Logger) error {
	if _, _, err := s.runAdb(ctx, adbShell(deviceID, "shell input keyevent KEYCODE_WAKEUP")); err != nil {
		return errors.Wrap(err, "wakeup keyevent")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	if _, _, err := s.runAdb(ctx, adbShell(deviceID, "shell input swipe 300 1000 300 500")); err != nil {
		return errors.Wrap(err, "unlock swipe")
	}
	log.Debug("device woken", logx.String("device", deviceID))
	return nil
}

// launchApp starts the configured app, either by explicit activity or via
// the launcher intent.
func (s *Service) launchApp(ctx context.Context, dev config.DeviceConfig, log logx.Logger) error {
	var cmd string
	if dev.LaunchActivity != "" {
		cmd = adbShell(dev.DeviceID, fmt.Sprintf("shell am start -n %s/%s", dev.LaunchPackage, dev.LaunchActivity))
	} else {
		cmd = adbShell(dev.DeviceID, fmt.Sprintf("shell monkey -p %s -c android.intent.category.LAUNCHER 1", dev.LaunchPackage))
	}
	code, out, err := s.runAdb(ctx, cmd)
	if err != nil {
		return errors.Wrap(err, "launch app")
	}
	if code != 0 {
		return errors.Errorf("launch %s failed: %s", dev.LaunchPackage, strings.Join(out, " | "))
	}
	log.Info("app launched", logx.String("package", dev.LaunchPackage))
	return nil
}

// ForgetDevice drops the connected/resolution caches for a device, forcing
// the next run to reconnect and re-check.
func (s *Service) ForgetDevice(deviceID string) {
	s.mu.Lock()
	delete(s.connected, deviceID)
	delete(s.resolutions, deviceID)
	s.mu.Unlock()
}
