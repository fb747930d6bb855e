package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/cubeops/operator/pkg/collision"
	"github.com/cubeops/operator/pkg/config"
	customlog "github.com/cubeops/operator/pkg/log"
	"github.com/cubeops/operator/pkg/protocol"
)

// Core Cube GATT identifiers.
const (
	cubeServiceUUID   = "10b20100-5b3b-4571-9508-cf3efcd7bbae"
	motorCharUUID     = "10b20102-5b3b-4571-9508-cf3efcd7bbae"
	sensorCharUUID    = "10b20106-5b3b-4571-9508-cf3efcd7bbae"
	configCharUUID    = "10b201ff-5b3b-4571-9508-cf3efcd7bbae"
	scanRetryInterval = 1 * time.Second
)

// Ensure BLEDevice implements the Device interface
var _ Device = (*BLEDevice)(nil)

// BLEDevice is a connected Core Cube. Collision notifications arriving on the
// sensor characteristic are decoded and posted to the mailbox from the BLE
// callback goroutine; motor commands go out on the motor characteristic.
type BLEDevice struct {
	logger customlog.Logger
	conn   bluetooth.Device
	motor  bluetooth.DeviceCharacteristic

	mu     sync.Mutex
	closed bool
}

// Connect scans for the configured robot, connects, arms the collision
// detector at the configured threshold and subscribes to sensor
// notifications. Scanning is retried cfg.ScanRetry times before giving up.
func Connect(ctx context.Context, cfg config.RobotConfig, mailbox *collision.Mailbox, logger customlog.Logger) (*BLEDevice, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	serviceUUID, err := bluetooth.ParseUUID(cubeServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID: %w", err)
	}

	result, err := scanWithRetry(ctx, adapter, cfg, serviceUUID, logger)
	if err != nil {
		return nil, err
	}

	logger.Infof("Connecting to robot %s (%s)", result.LocalName(), result.Address.String())
	conn, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", result.Address.String(), err)
	}

	dev := &BLEDevice{logger: logger, conn: conn}
	if err := dev.setup(cfg, mailbox); err != nil {
		conn.Disconnect()
		return nil, err
	}
	return dev, nil
}

// scanWithRetry runs discovery attempts until the target robot advertises or
// the attempts are exhausted. The target is matched by address when one is
// configured, otherwise by local name prefix, otherwise by service UUID.
func scanWithRetry(ctx context.Context, adapter *bluetooth.Adapter, cfg config.RobotConfig, serviceUUID bluetooth.UUID, logger customlog.Logger) (bluetooth.ScanResult, error) {
	timeout := time.Duration(cfg.ScanTimeoutSec * float64(time.Second))
	attempts := cfg.ScanRetry
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return bluetooth.ScanResult{}, err
		}
		logger.Infof("Scanning for robot (attempt %d/%d, timeout %s)", attempt, attempts, timeout)

		result, err := scanOnce(ctx, adapter, cfg, serviceUUID, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.Warnf("Scan attempt %d failed: %v", attempt, err)

		select {
		case <-ctx.Done():
			return bluetooth.ScanResult{}, ctx.Err()
		case <-time.After(scanRetryInterval):
		}
	}
	return bluetooth.ScanResult{}, fmt.Errorf("robot not found after %d scan attempts: %w", attempts, lastErr)
}

func scanOnce(ctx context.Context, adapter *bluetooth.Adapter, cfg config.RobotConfig, serviceUUID bluetooth.UUID, timeout time.Duration) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	go func() {
		err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matches(cfg, serviceUUID, result) {
				return
			}
			a.StopScan()
			select {
			case found <- result:
			default:
			}
		})
		scanErr <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-found:
		return result, nil
	case err := <-scanErr:
		if err != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("scan failed: %w", err)
		}
		// Scan returned without a match.
		select {
		case result := <-found:
			return result, nil
		default:
			return bluetooth.ScanResult{}, fmt.Errorf("scan stopped before the robot was found")
		}
	case <-timer.C:
		adapter.StopScan()
		return bluetooth.ScanResult{}, fmt.Errorf("no robot advertised within %s", timeout)
	case <-ctx.Done():
		adapter.StopScan()
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

func matches(cfg config.RobotConfig, serviceUUID bluetooth.UUID, result bluetooth.ScanResult) bool {
	if cfg.Address != "" {
		return strings.EqualFold(result.Address.String(), cfg.Address)
	}
	if cfg.NamePrefix != "" {
		return strings.HasPrefix(result.LocalName(), cfg.NamePrefix)
	}
	return result.HasServiceUUID(serviceUUID)
}

// setup resolves the cube characteristics, arms collision detection and wires
// sensor notifications into the mailbox.
func (d *BLEDevice) setup(cfg config.RobotConfig, mailbox *collision.Mailbox) error {
	serviceUUID, _ := bluetooth.ParseUUID(cubeServiceUUID)
	motorUUID, _ := bluetooth.ParseUUID(motorCharUUID)
	sensorUUID, _ := bluetooth.ParseUUID(sensorCharUUID)
	configUUID, _ := bluetooth.ParseUUID(configCharUUID)

	services, err := d.conn.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("cube service discovery failed: %w", err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{motorUUID, sensorUUID, configUUID})
	if err != nil {
		return fmt.Errorf("characteristic discovery failed: %w", err)
	}

	var sensor, configChar bluetooth.DeviceCharacteristic
	var haveMotor, haveSensor, haveConfig bool
	for _, c := range chars {
		switch c.UUID() {
		case motorUUID:
			d.motor = c
			haveMotor = true
		case sensorUUID:
			sensor = c
			haveSensor = true
		case configUUID:
			configChar = c
			haveConfig = true
		}
	}
	if !haveMotor || !haveSensor || !haveConfig {
		return fmt.Errorf("robot is missing required characteristics")
	}

	if _, err := configChar.WriteWithoutResponse(protocol.EncodeCollisionThreshold(cfg.CollisionThreshold)); err != nil {
		return fmt.Errorf("failed to set collision threshold: %w", err)
	}
	d.logger.Infof("Collision threshold set to %d", cfg.CollisionThreshold)

	err = sensor.EnableNotifications(func(buf []byte) {
		collided, ok := protocol.DecodeSensorNotification(buf)
		if !ok {
			d.logger.Debugf("Dropping unrecognized sensor notification (%d bytes)", len(buf))
			return
		}
		if collided {
			mailbox.Post()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to sensor notifications: %w", err)
	}
	return nil
}

// Write sends one motor command frame. Writes after Close are rejected.
func (d *BLEDevice) Write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device is closed")
	}
	if _, err := d.motor.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("motor write failed: %w", err)
	}
	return nil
}

// Close disconnects from the robot. It is safe to call more than once.
func (d *BLEDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.conn.Disconnect(); err != nil {
		return fmt.Errorf("disconnect failed: %w", err)
	}
	d.logger.Infof("Disconnected from robot")
	return nil
}
