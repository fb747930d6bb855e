// Package protocol implements the binary wire format spoken over the cube's
// BLE characteristics: the 8-byte timed motor command written to the motor
// characteristic and the motion sensor notification received from the sensor
// characteristic.
//
// Reference: https://toio.github.io/toio-spec/en/docs/ble_motor/
package protocol

import "math"

// Motor command frame layout.
const (
	controlTypeTimed = 0x02

	leftMotorID  = 0x01
	rightMotorID = 0x02

	directionForward  = 0x01
	directionBackward = 0x02

	// MotorCommandLen is the exact size of a timed motor command frame.
	MotorCommandLen = 8

	// MaxMotorSpeed is the per-motor speed magnitude written on the wire.
	MaxMotorSpeed = 100
)

// Sensor notification layout.
const (
	sensorReportMotion = 0x01

	collisionByteIndex = 2
	minSensorFrameLen  = 3
)

// Configuration characteristic commands.
const (
	configCollisionThreshold = 0x06
)

// EncodeMotorCommand builds the 8-byte timed motor control frame for the
// given signed wheel speeds and duration. Speed magnitudes are clamped to
// [0, MaxMotorSpeed]; the duration is rounded to 10 ms units and clamped to
// [0, 255]. A duration of 0 means unlimited and must not be used on the
// control loop's normal path, which relies on the duration as a dead-man
// timeout.
func EncodeMotorCommand(left, right, durationMs int) []byte {
	leftDir, leftSpeed := encodeWheel(left)
	rightDir, rightSpeed := encodeWheel(right)

	duration := int(math.Round(float64(durationMs) / 10.0))
	if duration < 0 {
		duration = 0
	} else if duration > 255 {
		duration = 255
	}

	return []byte{
		controlTypeTimed,
		leftMotorID,
		leftDir,
		leftSpeed,
		rightMotorID,
		rightDir,
		rightSpeed,
		byte(duration),
	}
}

// EncodeStop builds a motor command that halts both wheels. The short
// duration keeps the frame on the timed path rather than the unlimited one.
func EncodeStop() []byte {
	return EncodeMotorCommand(0, 0, 100)
}

// DecodeMotorCommand recovers the signed wheel speeds and duration from an
// encoded motor command frame. Used by tests and by dataset replay tooling.
func DecodeMotorCommand(frame []byte) (left, right, durationMs int, ok bool) {
	if len(frame) != MotorCommandLen || frame[0] != controlTypeTimed {
		return 0, 0, 0, false
	}
	if frame[1] != leftMotorID || frame[4] != rightMotorID {
		return 0, 0, 0, false
	}
	left = decodeWheel(frame[2], frame[3])
	right = decodeWheel(frame[5], frame[6])
	durationMs = int(frame[7]) * 10
	return left, right, durationMs, true
}

// DecodeSensorNotification reports whether a sensor notification frame
// carries a collision detection. Frames that are too short or are not motion
// sensor reports yield ok == false and are dropped by the caller; the sensor
// characteristic is best-effort telemetry, not a command channel. Tilt,
// double-tap, posture and shake bytes are ignored.
func DecodeSensorNotification(data []byte) (collision bool, ok bool) {
	if len(data) < minSensorFrameLen || data[0] != sensorReportMotion {
		return false, false
	}
	return data[collisionByteIndex] == 0x01, true
}

// EncodeCollisionThreshold builds the configuration command that sets the
// cube's collision detection threshold. Level is clamped to [1, 10]; lower
// is more sensitive.
func EncodeCollisionThreshold(level int) []byte {
	if level < 1 {
		level = 1
	} else if level > 10 {
		level = 10
	}
	return []byte{configCollisionThreshold, 0x00, byte(level)}
}

func encodeWheel(speed int) (direction, magnitude byte) {
	direction = directionForward
	if speed < 0 {
		direction = directionBackward
		speed = -speed
	}
	if speed > MaxMotorSpeed {
		speed = MaxMotorSpeed
	}
	return direction, byte(speed)
}

func decodeWheel(direction, magnitude byte) int {
	speed := int(magnitude)
	if direction == directionBackward {
		return -speed
	}
	return speed
}
