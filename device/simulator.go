package device

import (
	"fmt"
	"sync"
)

const defaultBaudRate = 57600

// Simulator is an in-memory servo bus and IMU. Moves complete instantly.
type Simulator struct {
	mu       sync.Mutex
	baud     int
	servos   map[int]map[string]int64 // id → register → value
	accel    [3]float64
	gyro     [3]float64
	reboots  map[int]int
	failNext error
}

// NewSimulator returns a robot standing still and level, with torque off.
func NewSimulator() *Simulator {
	s := &Simulator{
		baud:    defaultBaudRate,
		servos:  make(map[int]map[string]int64),
		accel:   [3]float64{0, 0, 9.81},
		reboots: make(map[int]int),
	}
	for _, id := range AllServoIDs() {
		s.servos[id] = s.powerOnState()
	}
	return s
}

func (s *Simulator) powerOnState() map[string]int64 {
	regs := make(map[string]int64, len(RegisterList))
	for _, r := range RegisterList {
		regs[r.Name] = 0
	}
	regs["PRESENT_POSITION"] = MaxPosition / 2
	regs["GOAL_POSITION"] = MaxPosition / 2
	return regs
}

// FailNext makes the next bus operation return err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Reboots returns how often servo id has been rebooted.
func (s *Simulator) Reboots(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reboots[id]
}

// SetIMU sets the values read_accel and read_gyro report.
func (s *Simulator) SetIMU(accel, gyro [3]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accel, s.gyro = accel, gyro
}

func (s *Simulator) checkLocked(ids []int) error {
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	for _, id := range ids {
		if _, ok := s.servos[id]; !ok {
			return fmt.Errorf("servo %d does not answer", id)
		}
	}
	return nil
}

func (s *Simulator) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

func (s *Simulator) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(nil); err != nil {
		return err
	}
	if baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", baud)
	}
	s.baud = baud
	return nil
}

func (s *Simulator) SetupPositionControl(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ids); err != nil {
		return err
	}
	for _, id := range ids {
		// Time-based profile, so PROFILE_* hold milliseconds
		s.servos[id]["DRIVE_MODE"] = 4
	}
	return nil
}

func (s *Simulator) SetTorque(ids []int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ids); err != nil {
		return err
	}
	var v int64
	if enabled {
		v = 1
	}
	for _, id := range ids {
		s.servos[id]["TORQUE_ENABLE"] = v
	}
	return nil
}

func (s *Simulator) ReadRegisters(ids []int, regs []Register) (map[string][]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ids); err != nil {
		return nil, err
	}
	out := make(map[string][]int64, len(regs))
	for _, r := range regs {
		values := make([]int64, len(ids))
		for i, id := range ids {
			values[i] = s.servos[id][r.Name]
		}
		out[r.Name] = values
	}
	return out, nil
}

func (s *Simulator) WriteRegister(reg Register, ids []int, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ids); err != nil {
		return err
	}
	if limit := int64(1)<<(8*reg.Size) - 1; value < 0 || value > limit {
		return fmt.Errorf("value %d does not fit %s", value, reg.Name)
	}
	for _, id := range ids {
		s.servos[id][reg.Name] = value
	}
	return nil
}

func (s *Simulator) Move(ids []int, positions []int64, duration, acceleration int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ids); err != nil {
		return err
	}
	if len(ids) != len(positions) {
		return fmt.Errorf("%d servos but %d positions", len(ids), len(positions))
	}
	for i, id := range ids {
		regs := s.servos[id]
		regs["TORQUE_ENABLE"] = 1
		regs["PROFILE_VELOCITY"] = duration
		regs["PROFILE_ACCELERATION"] = acceleration
		regs["GOAL_POSITION"] = positions[i]
		regs["POSITION_TRAJECTORY"] = positions[i]
		regs["PRESENT_POSITION"] = positions[i]
	}
	return nil
}

func (s *Simulator) Reboot(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ids); err != nil {
		return err
	}
	for _, id := range ids {
		present := s.servos[id]["PRESENT_POSITION"]
		s.servos[id] = s.powerOnState()
		s.servos[id]["PRESENT_POSITION"] = present
		s.reboots[id]++
	}
	return nil
}

func (s *Simulator) Accel() ([3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accel, s.checkLocked(nil)
}

func (s *Simulator) Gyro() ([3]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gyro, s.checkLocked(nil)
}
