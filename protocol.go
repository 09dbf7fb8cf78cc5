package devplace

import "gitlab.com/akita/akita/v3/sim"

// A TensorMsg carries a tensor from one device to another.
type TensorMsg struct {
	sim.MsgMeta
	Tensor    Tensor
	SrcDevice DeviceID
	DstDevice DeviceID
}

// Meta returns the meta data of the message.
func (m *TensorMsg) Meta() *sim.MsgMeta {
	return &m.MsgMeta
}
