package device

import (
	"fmt"
	"sort"
)

// Register is one entry of the servo control table.
type Register struct {
	Name    string `json:"name"`
	Address int    `json:"address"`
	Size    int    `json:"size"` // Bytes
}

// RegisterList is the part of the XM430 control table the robot uses, sorted
// by address.
var RegisterList = []Register{
	{"DRIVE_MODE", 10, 1},
	{"TORQUE_ENABLE", 64, 1},
	{"PROFILE_ACCELERATION", 108, 4},
	{"PROFILE_VELOCITY", 112, 4},
	{"GOAL_POSITION", 116, 4},
	{"PRESENT_PWM", 124, 2},
	{"PRESENT_CURRENT", 126, 2},
	{"PRESENT_VELOCITY", 128, 4},
	{"PRESENT_POSITION", 132, 4},
	{"VELOCITY_TRAJECTORY", 136, 4},
	{"POSITION_TRAJECTORY", 140, 4},
}

// ramStart is the first register that lives in RAM rather than EEPROM.
const ramStart = "TORQUE_ENABLE"

func LookupRegister(name string) (Register, error) {
	for _, r := range RegisterList {
		if r.Name == name {
			return r, nil
		}
	}
	return Register{}, fmt.Errorf("unknown register %q", name)
}

// RegisterRange returns the registers from start to end inclusive.
func RegisterRange(start, end string) ([]Register, error) {
	first, err := LookupRegister(start)
	if err != nil {
		return nil, err
	}
	last, err := LookupRegister(end)
	if err != nil {
		return nil, err
	}
	if first.Address > last.Address {
		return nil, fmt.Errorf("register %s comes after %s", start, end)
	}
	lo := sort.Search(len(RegisterList), func(i int) bool { return RegisterList[i].Address >= first.Address })
	hi := sort.Search(len(RegisterList), func(i int) bool { return RegisterList[i].Address > last.Address })
	return RegisterList[lo:hi], nil
}

// ServoOrder lists the servos leg by leg. Positions in move_all_servos and
// every per-servo result follow this order.
var ServoOrder = []string{
	"BR_INNER_SHOULDER",
	"BR_OUTER_SHOULDER",
	"BR_ELBOW",
	"FR_INNER_SHOULDER",
	"FR_OUTER_SHOULDER",
	"FR_ELBOW",
	"BL_INNER_SHOULDER",
	"BL_OUTER_SHOULDER",
	"BL_ELBOW",
	"FL_INNER_SHOULDER",
	"FL_OUTER_SHOULDER",
	"FL_ELBOW",
}

// servoIDs maps servo names to bus ids as wired on the robot.
var servoIDs = map[string]int{
	"BR_INNER_SHOULDER": 1,
	"BR_OUTER_SHOULDER": 2,
	"FR_ELBOW":          3,
	"FR_INNER_SHOULDER": 4,
	"BR_ELBOW":          5,
	"FR_OUTER_SHOULDER": 6,
	"BL_OUTER_SHOULDER": 7,
	"FL_INNER_SHOULDER": 8,
	"BL_INNER_SHOULDER": 9,
	"FL_ELBOW":          10,
	"FL_OUTER_SHOULDER": 11,
	"BL_ELBOW":          12,
}

func ServoID(name string) (int, error) {
	id, ok := servoIDs[name]
	if !ok {
		return 0, fmt.Errorf("unknown servo %q", name)
	}
	return id, nil
}

// AllServoIDs returns the bus ids in ServoOrder.
func AllServoIDs() []int {
	ids := make([]int, len(ServoOrder))
	for i, name := range ServoOrder {
		ids[i] = servoIDs[name]
	}
	return ids
}
