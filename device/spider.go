// Package device holds the command set of the spider robot: twelve position
// controlled servos on one bus plus an accelerometer/gyroscope.
package device

import (
	"context"
	"fmt"
	"sync"

	"remote-ctrl/command"
)

const (
	DefaultDuration     = 1500 // ms per move
	DefaultAcceleration = 600  // ms of acceleration ramp
	MinDuration         = 100
	MinAcceleration     = MinDuration / 2
	MaxPosition         = 4095
)

// ServoBus talks to the servos. Values read are keyed by register name, one
// value per requested id in request order.
type ServoBus interface {
	BaudRate() int
	SetBaudRate(baud int) error
	// SetupPositionControl puts the servos in time-based position mode.
	SetupPositionControl(ids []int) error
	SetTorque(ids []int, enabled bool) error
	ReadRegisters(ids []int, regs []Register) (map[string][]int64, error)
	WriteRegister(reg Register, ids []int, value int64) error
	// Move drives each servo to its position over duration ms with an
	// acceleration ramp of acceleration ms.
	Move(ids []int, positions []int64, duration, acceleration int64) error
	Reboot(ids []int) error
}

// IMU reads the accelerometer and gyroscope, x, y and z.
type IMU interface {
	Accel() ([3]float64, error)
	Gyro() ([3]float64, error)
}

// Spider is the robot as seen by its commands. It is shared by all
// connections, so every command holds its lock.
type Spider struct {
	mu           sync.Mutex
	bus          ServoBus
	imu          IMU
	duration     int64
	acceleration int64
}

// NewSpider sets up position control on every servo.
func NewSpider(bus ServoBus, imu IMU) (*Spider, error) {
	if err := bus.SetupPositionControl(AllServoIDs()); err != nil {
		return nil, fmt.Errorf("setup position control: %w", err)
	}
	return &Spider{
		bus:          bus,
		imu:          imu,
		duration:     DefaultDuration,
		acceleration: DefaultAcceleration,
	}, nil
}

type handler = command.Handler[*Spider]

// locked runs fn with the spider lock held.
func locked(fn handler) handler {
	return func(ctx context.Context, s *Spider, args command.Args) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(ctx, s, args)
	}
}

var (
	commandsOnce sync.Once
	commands     *command.Registry[*Spider]
)

// Commands returns the spider command table.
func Commands() *command.Registry[*Spider] {
	commandsOnce.Do(func() {
		commands = command.NewRegistry[*Spider]()
		for _, c := range spiderCommands() {
			commands.MustRegister(c.name, c.args, c.kind, locked(c.fn))
		}
	})
	return commands
}

type spiderCommand struct {
	name string
	args []command.ArgType
	kind command.Kind
	fn   handler
}

func read(name string, args []command.ArgType, fn handler) spiderCommand {
	return spiderCommand{name, args, command.KindRead, fn}
}

func write(name string, args []command.ArgType, fn handler) spiderCommand {
	return spiderCommand{name, args, command.KindWrite, fn}
}

func repeat(t command.ArgType, n int) []command.ArgType {
	out := make([]command.ArgType, n)
	for i := range out {
		out[i] = t
	}
	return out
}

var empty = map[string]any{}

func spiderCommands() []spiderCommand {
	str, integer := command.Str, command.Int
	return []spiderCommand{
		read("get_duration", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.duration, nil
		}),
		write("set_duration", []command.ArgType{integer}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			d := args.Int(0)
			if d < MinDuration {
				return nil, fmt.Errorf("expected a duration of at least %d", MinDuration)
			}
			s.duration = d
			return map[string]any{"new_duration": d}, nil
		}),
		read("get_acceleration", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.acceleration, nil
		}),
		write("set_acceleration", []command.ArgType{integer}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			a := args.Int(0)
			if a < MinAcceleration {
				return nil, fmt.Errorf("expected an acceleration of at least %d", MinAcceleration)
			}
			s.acceleration = a
			return map[string]any{"new_acceleration": a}, nil
		}),
		read("get_baudrate", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.bus.BaudRate(), nil
		}),
		// Only the port changes, the servos keep their configured rate
		write("set_baudrate", []command.ArgType{integer}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			if err := s.bus.SetBaudRate(int(args.Int(0))); err != nil {
				return nil, err
			}
			return s.bus.BaudRate(), nil
		}),
		read("get_register_list", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return RegisterList, nil
		}),
		read("get_servos", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return ServoOrder, nil
		}),
		read("read_accel", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			v, err := s.imu.Accel()
			return v[:], err
		}),
		read("read_gyro", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			v, err := s.imu.Gyro()
			return v[:], err
		}),
		write("enable_torque", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return empty, s.bus.SetTorque(AllServoIDs(), true)
		}),
		write("disable_torque", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return empty, s.bus.SetTorque(AllServoIDs(), false)
		}),
		read("get_torque_enabled", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.readRange(AllServoIDs(), "TORQUE_ENABLE", "TORQUE_ENABLE")
		}),
		write("setup_all_servos", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return empty, s.bus.SetupPositionControl(AllServoIDs())
		}),
		read("read_all_servos_RAM", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.readRange(AllServoIDs(), ramStart, RegisterList[len(RegisterList)-1].Name)
		}),
		read("read_all_servo_registers", []command.ArgType{str, str}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.readRange(AllServoIDs(), args.Str(0), args.Str(1))
		}),
		read("read_all_servo_goalplans", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return s.readRange(AllServoIDs(), "GOAL_POSITION", "POSITION_TRAJECTORY")
		}),
		read("read_single_servo_position", []command.ArgType{str}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			id, err := ServoID(args.Str(0))
			if err != nil {
				return nil, err
			}
			values, err := s.readRange([]int{id}, "PRESENT_POSITION", "PRESENT_POSITION")
			if err != nil {
				return nil, err
			}
			return values["PRESENT_POSITION"][0], nil
		}),
		write("move_all_servos", repeat(integer, len(ServoOrder)), func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			positions := make([]int64, len(args))
			for i := range args {
				positions[i] = args.Int(i)
				if positions[i] < 0 || positions[i] > MaxPosition {
					return nil, fmt.Errorf("servo values must be in range 0 to %d", MaxPosition)
				}
			}
			return empty, s.bus.Move(AllServoIDs(), positions, s.duration, s.acceleration)
		}),
		write("move_single_servo", []command.ArgType{str, integer}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			id, err := ServoID(args.Str(0))
			if err != nil {
				return nil, err
			}
			return empty, s.bus.Move([]int{id}, []int64{args.Int(1)}, s.duration, s.acceleration)
		}),
		write("write_single_servo_register", []command.ArgType{str, str, integer}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			reg, err := LookupRegister(args.Str(0))
			if err != nil {
				return nil, err
			}
			id, err := ServoID(args.Str(1))
			if err != nil {
				return nil, err
			}
			return empty, s.bus.WriteRegister(reg, []int{id}, args.Int(2))
		}),
		write("write_all_servo_registers", []command.ArgType{str, integer}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			reg, err := LookupRegister(args.Str(0))
			if err != nil {
				return nil, err
			}
			return empty, s.bus.WriteRegister(reg, AllServoIDs(), args.Int(1))
		}),
		write("reboot_all_servos", nil, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			return empty, s.bus.Reboot(AllServoIDs())
		}),
		write("reboot_single_servo", []command.ArgType{str}, func(ctx context.Context, s *Spider, args command.Args) (any, error) {
			id, err := ServoID(args.Str(0))
			if err != nil {
				return nil, err
			}
			return empty, s.bus.Reboot([]int{id})
		}),
	}
}

func (s *Spider) readRange(ids []int, start, end string) (map[string][]int64, error) {
	regs, err := RegisterRange(start, end)
	if err != nil {
		return nil, err
	}
	return s.bus.ReadRegisters(ids, regs)
}
