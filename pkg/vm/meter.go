package vm

// Instruction costs. Every instruction charges one unit except the wide
// constant load, which occupies two slots.
const (
	CostDefault = uint64(1)
	CostLddw    = uint64(2)
)

// Meter tracks instruction budget consumption for one run.
type Meter struct {
	remaining uint64
	budget    uint64
}

// NewMeter creates a meter with the given budget.
func NewMeter(budget uint64) *Meter {
	return &Meter{
		remaining: budget,
		budget:    budget,
	}
}

// Consume charges cost units. It fails without charging when the budget
// would be exceeded, so Consumed still reports the work done up to the
// exhaustion point.
func (m *Meter) Consume(cost uint64) error {
	if m.remaining < cost {
		return &OutOfInstructions{
			Consumed: m.Consumed(),
			Budget:   m.budget,
		}
	}
	m.remaining -= cost
	return nil
}

// Remaining returns the units left in the budget.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the units charged so far.
func (m *Meter) Consumed() uint64 {
	return m.budget - m.remaining
}

// Budget returns the total budget.
func (m *Meter) Budget() uint64 {
	return m.budget
}
