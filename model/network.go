package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/sarchlab/devplace/placement"
)

// A Network is an ordered chain of units with an optional auxiliary head
// branching off one of them.
type Network struct {
	units    []Unit
	index    map[string]int
	aux      Unit
	auxAfter int
}

// NewNetwork chains units in order. If aux is not nil, it consumes the output
// of the unit named auxAfter.
func NewNetwork(units []Unit, aux Unit, auxAfter string) (*Network, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("network without units")
	}

	n := &Network{
		units:    units,
		index:    make(map[string]int),
		aux:      aux,
		auxAfter: -1,
	}

	for i, u := range units {
		if _, dup := n.index[u.Name()]; dup {
			return nil, fmt.Errorf("unit %s appears twice", u.Name())
		}
		n.index[u.Name()] = i
	}

	if aux == nil {
		return n, nil
	}

	if _, dup := n.index[aux.Name()]; dup {
		return nil, fmt.Errorf("auxiliary head %s shares a unit name",
			aux.Name())
	}

	at, ok := n.index[auxAfter]
	if !ok || at == len(units)-1 {
		return nil, fmt.Errorf(
			"auxiliary head must follow an inner unit, not %q", auxAfter)
	}
	n.auxAfter = at

	return n, nil
}

// Units returns the units in execution order.
func (n *Network) Units() []Unit {
	return n.units
}

// Aux returns the auxiliary head, or nil.
func (n *Network) Aux() Unit {
	return n.aux
}

// AuxAfter returns the position of the unit that feeds the auxiliary head,
// or -1 if there is no head.
func (n *Network) AuxAfter() int {
	return n.auxAfter
}

// InputLayer is the name of the unit that consumes input batches.
func (n *Network) InputLayer() string {
	return n.units[0].Name()
}

// OutputLayer is the name of the unit that produces the primary prediction.
func (n *Network) OutputLayer() string {
	return n.units[len(n.units)-1].Name()
}

// Layout describes the network to the placement resolver.
func (n *Network) Layout() placement.Layout {
	layout := placement.Layout{
		InputLayer:  n.InputLayer(),
		OutputLayer: n.OutputLayer(),
	}

	for _, u := range n.units {
		layout.Layers = append(layout.Layers, u.Name())
	}

	if n.aux != nil {
		layout.AuxLayer = n.aux.Name()
	}

	return layout
}

// Forward runs the whole network on the host. The auxiliary prediction is
// only produced in training mode.
func (n *Network) Forward(x *mat.Dense, train bool) (primary, aux *mat.Dense) {
	for i, u := range n.units {
		x = u.Forward(x, train)

		if train && i == n.auxAfter {
			aux = n.aux.Forward(x, train)
		}
	}

	return x, aux
}

// ParamBytes returns the size of all parameters, including the auxiliary
// head.
func (n *Network) ParamBytes() uint64 {
	total := uint64(0)
	for _, u := range n.units {
		total += u.ParamBytes()
	}

	if n.aux != nil {
		total += n.aux.ParamBytes()
	}

	return total
}
