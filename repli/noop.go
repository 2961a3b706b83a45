package repli

var (
	_ Emitter  = (*noopEmitter)(nil)
	_ Receiver = (*noopReceiver)(nil)
)

type noopEmitter struct {
}

func (*noopEmitter) Start(src Source, bindIP string, bindPort int) error {
	return nil
}

func (*noopEmitter) Stop() error {
	return nil
}

func (*noopEmitter) EmitCreate(minor int) error {
	return nil
}

func (*noopEmitter) EmitAppend(minor int, seq uint64, frame []byte) error {
	return nil
}

func (*noopEmitter) EmitControl(minor int, seq uint64, cmd uint8) error {
	return nil
}

func NewNoopEmitter() *noopEmitter {
	return new(noopEmitter)
}

type noopReceiver struct {
}

func (*noopReceiver) Start(dst Destination, serverIP string, serverPort int) error {
	return nil
}

func (*noopReceiver) Stop() error {
	return nil
}

func NewNoopReceiver() *noopReceiver {
	return new(noopReceiver)
}
