package model

// Names of the units of the staged classifier.
const (
	InputLayerName  = "Conv2d_1a_3x3"
	OutputLayerName = "softmax"
	AuxLayerName    = "AuxLogits"
	AuxBranchName   = "Mixed_6e"
)

type stage struct {
	name  string
	width int
}

var stagedLayers = []stage{
	{InputLayerName, 64},
	{"Conv2d_2a_3x3", 64},
	{"Mixed_5b", 48},
	{"Mixed_6a", 48},
	{AuxBranchName, 32},
	{"Mixed_7c", 32},
}

// NewStaged builds the staged classifier. It follows the stage names of an
// Inception v3 network, with one fully connected unit per stage, a softmax
// classifier at the end and an auxiliary classifier after Mixed_6e.
func NewStaged(features, classes int, seed uint64) *Network {
	units := make([]Unit, 0, len(stagedLayers)+1)

	in := features
	branchWidth := 0
	for i, s := range stagedLayers {
		units = append(units,
			NewLinear(s.name, in, s.width, true, seed+uint64(i)))
		in = s.width

		if s.name == AuxBranchName {
			branchWidth = s.width
		}
	}

	units = append(units, NewLinear(OutputLayerName, in, classes, false,
		seed+uint64(len(stagedLayers))))

	aux := NewLinear(AuxLayerName, branchWidth, classes, false,
		seed+uint64(len(stagedLayers)+1))

	n, err := NewNetwork(units, aux, AuxBranchName)
	if err != nil {
		panic(err)
	}

	return n
}
