package repli

// Emitter publishes the mutations of a registry to followers
type Emitter interface {
	Start(src Source, bindIP string, bindPort int) error
	Stop() error
	EmitCreate(minor int) error
	// EmitAppend must not retain frame after returning
	EmitAppend(minor int, seq uint64, frame []byte) error
	EmitControl(minor int, seq uint64, cmd uint8) error
}

// Receiver follows an Emitter and applies its mutations to a Destination
type Receiver interface {
	Start(dst Destination, serverIP string, serverPort int) error
	Stop() error
}

type Source interface {
	Minors() []int
	Snapshot(minor int) (Snapshot, bool)
}

type Destination interface {
	Create(minor int) error
	Append(minor int, seq uint64, frame []byte) error
	Control(minor int, seq uint64, cmd uint8) error
	Restore(Snapshot) error
}

// Snapshot is the replicated state of one minor. Seq increases with every
// append or control applied to the minor and orders snapshots against events.
type Snapshot struct {
	Minor       int
	Seq         uint64
	Capacity    int
	ReadCursor  int
	WriteCursor int
	Data        []byte
}
