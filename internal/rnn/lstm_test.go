package rnn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-recurve/internal/compute"
	"github.com/23skdu/longbow-recurve/internal/device"
)

var tanhAct = compute.ActivationSpec{Func: compute.ActivationTanh}

// fixture builds one fully-bound LSTM step on the CPU backend, keeping host
// copies of every buffer so the scalar reference below can recompute the
// step independently.
type fixture struct {
	batch, inputSize, numUnits, outputSize int
	cifg, peephole, projection, layerNorm  bool
	clip                                   ClippingThresholds

	backend *device.CPUBackend
	step    *StepTensors
	params  *Params

	x, h0, c0           []float32
	wiI, wiF, wiC, wiO  []float32
	wrI, wrF, wrC, wrO  []float32
	bI, bF, bC, bO      []float32
	peepI, peepF, peepO []float32
	proj, projBias      []float32
	lnI, lnF, lnC, lnO  []float32
}

func randSlice(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = rng.Float32() - 0.5
	}
	return s
}

// lnSlice keeps layer-norm weights away from zero so normalized gates stay
// in a numerically sane range.
func lnSlice(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 0.5 + rng.Float32()
	}
	return s
}

func (fx *fixture) build() {
	rng := rand.New(rand.NewSource(42))
	fx.backend = device.NewCPUBackend()
	b := fx.backend
	n, in, out, batch := fx.numUnits, fx.inputSize, fx.outputSize, fx.batch

	fx.x = randSlice(rng, batch*in)
	fx.h0 = randSlice(rng, batch*out)
	fx.c0 = randSlice(rng, batch*n)
	fx.wiF = randSlice(rng, n*in)
	fx.wiC = randSlice(rng, n*in)
	fx.wiO = randSlice(rng, n*in)
	fx.wrF = randSlice(rng, n*out)
	fx.wrC = randSlice(rng, n*out)
	fx.wrO = randSlice(rng, n*out)
	fx.bF = randSlice(rng, n)
	fx.bC = randSlice(rng, n)
	fx.bO = randSlice(rng, n)

	gateWidth := 4 * n
	if fx.cifg {
		gateWidth = 3 * n
	}

	fx.step = &StepTensors{
		Input:                    b.NewTensor(batch, in, fx.x),
		InputToForgetWeights:     b.NewTensor(n, in, fx.wiF),
		InputToCellWeights:       b.NewTensor(n, in, fx.wiC),
		InputToOutputWeights:     b.NewTensor(n, in, fx.wiO),
		RecurrentToForgetWeights: b.NewTensor(n, out, fx.wrF),
		RecurrentToCellWeights:   b.NewTensor(n, out, fx.wrC),
		RecurrentToOutputWeights: b.NewTensor(n, out, fx.wrO),
		ForgetGateBias:           b.NewTensor(1, n, fx.bF),
		CellBias:                 b.NewTensor(1, n, fx.bC),
		OutputGateBias:           b.NewTensor(1, n, fx.bO),
		OutputStateIn:            b.NewTensor(batch, out, fx.h0),
		CellStateIn:              b.NewTensor(batch, n, fx.c0),
		ScratchBuffer:            b.NewTensor(batch, gateWidth, nil),
		OutputStateOut:           b.NewTensor(batch, out, nil),
		CellStateOut:             b.NewTensor(batch, n, nil),
		Output:                   b.NewTensor(batch, out, nil),
	}

	fx.params = &Params{}
	if !fx.cifg {
		fx.wiI = randSlice(rng, n*in)
		fx.wrI = randSlice(rng, n*out)
		fx.bI = randSlice(rng, n)
		fx.params.InputToInputWeights = b.NewTensor(n, in, fx.wiI)
		fx.params.RecurrentToInputWeights = b.NewTensor(n, out, fx.wrI)
		fx.params.InputGateBias = b.NewTensor(1, n, fx.bI)
	}
	if fx.peephole {
		fx.peepF = randSlice(rng, n)
		fx.peepO = randSlice(rng, n)
		fx.params.CellToForgetWeights = b.NewTensor(1, n, fx.peepF)
		fx.params.CellToOutputWeights = b.NewTensor(1, n, fx.peepO)
		if !fx.cifg {
			fx.peepI = randSlice(rng, n)
			fx.params.CellToInputWeights = b.NewTensor(1, n, fx.peepI)
		}
	}
	if fx.projection {
		fx.proj = randSlice(rng, out*n)
		fx.projBias = randSlice(rng, out)
		fx.params.ProjectionWeights = b.NewTensor(out, n, fx.proj)
		fx.params.ProjectionBias = b.NewTensor(1, out, fx.projBias)
	}
	if fx.layerNorm {
		fx.lnF = lnSlice(rng, n)
		fx.lnC = lnSlice(rng, n)
		fx.lnO = lnSlice(rng, n)
		fx.params.ForgetLayerNormWeights = b.NewTensor(1, n, fx.lnF)
		fx.params.CellLayerNormWeights = b.NewTensor(1, n, fx.lnC)
		fx.params.OutputLayerNormWeights = b.NewTensor(1, n, fx.lnO)
		if !fx.cifg {
			fx.lnI = lnSlice(rng, n)
			fx.params.InputLayerNormWeights = b.NewTensor(1, n, fx.lnI)
		}
	}
}

// Scalar reference

type refResult struct {
	h, c       [][]float64 // per batch row
	i, g, f, o [][]float64 // gate activations
}

func refSigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func refGatePre(wi, wr []float32, x, h []float64, bias []float32, n int) []float64 {
	in, out := len(x), len(h)
	pre := make([]float64, n)
	for u := 0; u < n; u++ {
		var s float64
		for k := 0; k < in; k++ {
			s += float64(wi[u*in+k]) * x[k]
		}
		for k := 0; k < out; k++ {
			s += float64(wr[u*out+k]) * h[k]
		}
		if bias != nil {
			s += float64(bias[u])
		}
		pre[u] = s
	}
	return pre
}

func refNormalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	var varSum float64
	for _, x := range v {
		d := x - mean
		varSum += d * d
	}
	invStd := 1 / math.Sqrt(varSum/float64(len(v))+1e-8)
	for i := range v {
		v[i] = (v[i] - mean) * invStd
	}
}

func row64(s []float32, r, width int) []float64 {
	out := make([]float64, width)
	for i := range out {
		out[i] = float64(s[r*width+i])
	}
	return out
}

func refClamp(v []float64, t float64) {
	for i := range v {
		v[i] = math.Max(-t, math.Min(t, v[i]))
	}
}

func (fx *fixture) reference() refResult {
	n := fx.numUnits
	res := refResult{}
	for bi := 0; bi < fx.batch; bi++ {
		x := row64(fx.x, bi, fx.inputSize)
		hPrev := row64(fx.h0, bi, fx.outputSize)
		cPrev := row64(fx.c0, bi, n)

		gate := func(wi, wr, bias, peep, ln []float32, src []float64) []float64 {
			fcBias := bias
			if fx.layerNorm {
				fcBias = nil
			}
			pre := refGatePre(wi, wr, x, hPrev, fcBias, n)
			if peep != nil {
				for u := range pre {
					pre[u] += float64(peep[u]) * src[u]
				}
			}
			if ln != nil {
				refNormalize(pre)
				for u := range pre {
					pre[u] = pre[u]*float64(ln[u]) + float64(bias[u])
				}
			}
			for u := range pre {
				pre[u] = refSigmoid(pre[u])
			}
			return pre
		}

		f := gate(fx.wiF, fx.wrF, fx.bF, fx.peepF, fx.lnF, cPrev)

		var ig []float64
		if fx.cifg {
			ig = make([]float64, n)
			for u := range ig {
				ig[u] = 1 - f[u]
			}
		} else {
			ig = gate(fx.wiI, fx.wrI, fx.bI, fx.peepI, fx.lnI, cPrev)
		}

		cBias := fx.bC
		if fx.layerNorm {
			cBias = nil
		}
		g := refGatePre(fx.wiC, fx.wrC, x, hPrev, cBias, n)
		if fx.layerNorm {
			refNormalize(g)
			for u := range g {
				g[u] = g[u]*float64(fx.lnC[u]) + float64(fx.bC[u])
			}
		}
		for u := range g {
			g[u] = math.Tanh(g[u])
		}

		c := make([]float64, n)
		for u := range c {
			c[u] = f[u]*cPrev[u] + ig[u]*g[u]
		}
		if fx.clip.Cell != 0 {
			refClamp(c, float64(fx.clip.Cell))
		}

		o := gate(fx.wiO, fx.wrO, fx.bO, fx.peepO, fx.lnO, c)

		hRaw := make([]float64, n)
		for u := range hRaw {
			hRaw[u] = o[u] * math.Tanh(c[u])
		}

		h := hRaw
		if fx.projection {
			h = make([]float64, fx.outputSize)
			for k := range h {
				var s float64
				for u := 0; u < n; u++ {
					s += float64(fx.proj[k*n+u]) * hRaw[u]
				}
				h[k] = s + float64(fx.projBias[k])
			}
			if fx.clip.Projection != 0 {
				refClamp(h, float64(fx.clip.Projection))
			}
		}

		res.h = append(res.h, h)
		res.c = append(res.c, c)
		res.i = append(res.i, ig)
		res.g = append(res.g, g)
		res.f = append(res.f, f)
		res.o = append(res.o, o)
	}
	return res
}

func assertRows(t *testing.T, got device.Tensor, want [][]float64, tol float64) {
	t.Helper()
	r, c := got.Dims()
	require.Equal(t, len(want), r)
	for i := 0; i < r; i++ {
		require.Equal(t, len(want[i]), c)
		for j := 0; j < c; j++ {
			assert.InDelta(t, want[i][j], float64(got.At(i, j)), tol, "row %d col %d", i, j)
		}
	}
}

func configureAndRun(t *testing.T, fx *fixture) *LSTMLayer {
	t.Helper()
	layer := NewLSTMLayer(fx.backend)
	require.NoError(t, layer.Configure(fx.step, fx.params, tanhAct, fx.clip))
	layer.Run()
	return layer
}

func TestLSTMLayer_BasicStep(t *testing.T) {
	fx := &fixture{batch: 2, inputSize: 3, numUnits: 4, outputSize: 4}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)
	assertRows(t, fx.step.OutputStateOut, want.h, 1e-4)
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)

	topo := layer.Topology()
	assert.False(t, topo.CIFG)
	assert.False(t, topo.Peephole)
	assert.False(t, topo.Projection)
	assert.False(t, topo.LayerNorm)
}

// Single batch row, zero initial states, plain topology. The step must
// reproduce the standard LSTM equations against the scalar reference.
func TestLSTMLayer_ZeroStateStep(t *testing.T) {
	fx := &fixture{batch: 1, inputSize: 3, numUnits: 4, outputSize: 4}
	fx.build()
	for i := range fx.h0 {
		fx.h0[i] = 0
	}
	for i := range fx.c0 {
		fx.c0[i] = 0
	}
	fx.step.OutputStateIn.Fill(0)
	fx.step.CellStateIn.Fill(0)

	layer := configureAndRun(t, fx)
	defer layer.Close()

	sr, sc := fx.step.ScratchBuffer.Dims()
	require.Equal(t, 1, sr)
	require.Equal(t, 16, sc)

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)
	assertRows(t, fx.step.OutputStateOut, want.h, 1e-4)
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)
}

func TestLSTMLayer_ScratchBufferLayout(t *testing.T) {
	fx := &fixture{batch: 2, inputSize: 3, numUnits: 4, outputSize: 4}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	want := fx.reference()
	n := fx.numUnits
	for bi := 0; bi < fx.batch; bi++ {
		for u := 0; u < n; u++ {
			assert.InDelta(t, want.i[bi][u], float64(fx.step.ScratchBuffer.At(bi, u)), 1e-4)
			assert.InDelta(t, want.g[bi][u], float64(fx.step.ScratchBuffer.At(bi, n+u)), 1e-4)
			assert.InDelta(t, want.f[bi][u], float64(fx.step.ScratchBuffer.At(bi, 2*n+u)), 1e-4)
			assert.InDelta(t, want.o[bi][u], float64(fx.step.ScratchBuffer.At(bi, 3*n+u)), 1e-4)
		}
	}
}

func TestLSTMLayer_CIFG(t *testing.T) {
	fx := &fixture{batch: 1, inputSize: 3, numUnits: 4, outputSize: 4, cifg: true}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	assert.True(t, layer.Topology().CIFG)

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)

	// Scratch holds three gates: candidate, forget, output
	n := fx.numUnits
	_, sc := fx.step.ScratchBuffer.Dims()
	require.Equal(t, 3*n, sc)
	for u := 0; u < n; u++ {
		f := float64(fx.step.ScratchBuffer.At(0, n+u))
		assert.InDelta(t, want.f[0][u], f, 1e-4)
		// input gate is the forget complement
		assert.InDelta(t, 1-f, want.i[0][u], 1e-4)
	}
}

func TestLSTMLayer_AllFeatures(t *testing.T) {
	fx := &fixture{
		batch: 2, inputSize: 3, numUnits: 4, outputSize: 5,
		peephole: true, projection: true, layerNorm: true,
		clip: ClippingThresholds{Cell: 2.0, Projection: 0.8},
	}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	topo := layer.Topology()
	assert.True(t, topo.Peephole)
	assert.True(t, topo.Projection)
	assert.True(t, topo.LayerNorm)
	assert.True(t, topo.ClipCell)
	assert.True(t, topo.ClipProjection)

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)
	assertRows(t, fx.step.OutputStateOut, want.h, 1e-4)
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)
}

func TestLSTMLayer_CIFGPeepholeLayerNorm(t *testing.T) {
	fx := &fixture{
		batch: 1, inputSize: 2, numUnits: 3, outputSize: 3,
		cifg: true, peephole: true, layerNorm: true,
	}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)
}

func TestLSTMLayer_CellClipping(t *testing.T) {
	fx := &fixture{
		batch: 2, inputSize: 3, numUnits: 4, outputSize: 4,
		clip: ClippingThresholds{Cell: 0.05},
	}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	want := fx.reference()
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)
	for bi := 0; bi < fx.batch; bi++ {
		for u := 0; u < fx.numUnits; u++ {
			assert.LessOrEqual(t, math.Abs(float64(fx.step.CellStateOut.At(bi, u))), 0.05+1e-6)
		}
	}
}

func TestLSTMLayer_PrepareIdempotent(t *testing.T) {
	fx := &fixture{batch: 1, inputSize: 3, numUnits: 4, outputSize: 4}
	fx.build()
	layer := NewLSTMLayer(fx.backend)
	defer layer.Close()
	require.NoError(t, layer.Configure(fx.step, fx.params, tanhAct, fx.clip))

	layer.Prepare()
	layer.Prepare()
	layer.Run()

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)

	// Replaying with unchanged inputs reproduces the same outputs
	first := append([]float32(nil), fx.step.Output.ToHost()...)
	layer.Run()
	assert.Equal(t, first, fx.step.Output.ToHost())
}

func TestLSTMLayer_StateFeedback(t *testing.T) {
	fx := &fixture{batch: 1, inputSize: 3, numUnits: 4, outputSize: 4}
	fx.build()
	layer := configureAndRun(t, fx)
	defer layer.Close()

	// Feed the produced states back and step again
	fx.step.OutputStateIn.Copy(fx.step.OutputStateOut)
	fx.step.CellStateIn.Copy(fx.step.CellStateOut)
	copy(fx.h0, fx.step.OutputStateOut.ToHost())
	copy(fx.c0, fx.step.CellStateOut.ToHost())
	layer.Run()

	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 1e-4)
	assertRows(t, fx.step.CellStateOut, want.c, 1e-4)
}

func TestValidate_Errors(t *testing.T) {
	base := func() *fixture {
		fx := &fixture{batch: 2, inputSize: 3, numUnits: 4, outputSize: 4}
		fx.build()
		return fx
	}

	cases := []struct {
		name   string
		mutate func(step *StepDescriptors, params *ParamDescriptors)
		act    compute.ActivationSpec
		want   error
	}{
		{
			name:   "missing forget bias",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) { s.ForgetGateBias = nil },
			act:    tanhAct,
			want:   compute.ErrInvalidConfiguration,
		},
		{
			name: "forget weight input width",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				s.InputToForgetWeights = device.NewTensorInfo(4, 7, device.F32)
			},
			act:  tanhAct,
			want: compute.ErrShapeMismatch,
		},
		{
			name: "scratch width",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				s.ScratchBuffer = device.NewTensorInfo(2, 3*4, device.F32)
			},
			act:  tanhAct,
			want: compute.ErrShapeMismatch,
		},
		{
			name: "mixed data types",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				s.CellBias = device.NewTensorInfo(1, 4, device.F16)
			},
			act:  tanhAct,
			want: compute.ErrTypeMismatch,
		},
		{
			name: "three of four layer norm weights",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				p.InputLayerNormWeights = device.NewTensorInfo(1, 4, device.F32)
				p.ForgetLayerNormWeights = device.NewTensorInfo(1, 4, device.F32)
				p.CellLayerNormWeights = device.NewTensorInfo(1, 4, device.F32)
			},
			act:  tanhAct,
			want: compute.ErrInvalidConfiguration,
		},
		{
			name: "unpaired peephole",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				p.CellToForgetWeights = device.NewTensorInfo(1, 4, device.F32)
			},
			act:  tanhAct,
			want: compute.ErrInvalidConfiguration,
		},
		{
			name: "projection bias without weights",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				p.ProjectionBias = device.NewTensorInfo(1, 4, device.F32)
			},
			act:  tanhAct,
			want: compute.ErrInvalidConfiguration,
		},
		{
			name: "output width without projection",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {
				s.RecurrentToForgetWeights = device.NewTensorInfo(4, 5, device.F32)
				s.RecurrentToCellWeights = device.NewTensorInfo(4, 5, device.F32)
				s.RecurrentToOutputWeights = device.NewTensorInfo(4, 5, device.F32)
				p.RecurrentToInputWeights = device.NewTensorInfo(4, 5, device.F32)
				s.OutputStateIn = device.NewTensorInfo(2, 5, device.F32)
				s.OutputStateOut = device.NewTensorInfo(2, 5, device.F32)
				s.Output = device.NewTensorInfo(2, 5, device.F32)
			},
			act:  tanhAct,
			want: compute.ErrUnsupportedFeature,
		},
		{
			name:   "bounded linear state activation",
			mutate: func(s *StepDescriptors, p *ParamDescriptors) {},
			act:    compute.ActivationSpec{Func: compute.ActivationBoundedLinear, Lower: -1, Upper: 1},
			want:   compute.ErrUnsupportedFeature,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := base()
			step := fx.step.Describe()
			params := fx.params.Describe()
			tc.mutate(step, params)
			err := Validate(step, params, tc.act, fx.clip)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v, want %v", err, tc.want)
		})
	}
}

func TestValidate_AgreesWithConfigure(t *testing.T) {
	fixtures := []*fixture{
		{batch: 1, inputSize: 3, numUnits: 4, outputSize: 4},
		{batch: 2, inputSize: 3, numUnits: 4, outputSize: 4, cifg: true},
		{batch: 2, inputSize: 2, numUnits: 3, outputSize: 5, projection: true, peephole: true},
		{batch: 1, inputSize: 2, numUnits: 3, outputSize: 3, layerNorm: true},
	}
	for _, fx := range fixtures {
		fx.build()
		require.NoError(t, Validate(fx.step.Describe(), fx.params.Describe(), tanhAct, fx.clip))
		layer := NewLSTMLayer(fx.backend)
		require.NoError(t, layer.Configure(fx.step, fx.params, tanhAct, fx.clip))
		layer.Run()
		layer.Close()
	}
}

func TestLSTMLayer_FP16Step(t *testing.T) {
	fx := &fixture{batch: 1, inputSize: 3, numUnits: 4, outputSize: 4}
	fx.build()
	b := device.NewCPUBackendFP16()
	fx.backend = b
	reb := func(t device.Tensor) device.Tensor {
		if t == nil {
			return nil
		}
		r, c := t.Dims()
		return b.NewTensor(r, c, t.ToHost())
	}
	s := fx.step
	for _, p := range []*device.Tensor{
		&s.Input, &s.InputToForgetWeights, &s.InputToCellWeights, &s.InputToOutputWeights,
		&s.RecurrentToForgetWeights, &s.RecurrentToCellWeights, &s.RecurrentToOutputWeights,
		&s.ForgetGateBias, &s.CellBias, &s.OutputGateBias,
		&s.OutputStateIn, &s.CellStateIn, &s.ScratchBuffer,
		&s.OutputStateOut, &s.CellStateOut, &s.Output,
	} {
		*p = reb(*p)
	}
	pr := fx.params
	for _, p := range []*device.Tensor{
		&pr.InputToInputWeights, &pr.RecurrentToInputWeights, &pr.CellToInputWeights,
		&pr.InputGateBias, &pr.CellToForgetWeights, &pr.CellToOutputWeights,
		&pr.ProjectionWeights, &pr.ProjectionBias,
		&pr.InputLayerNormWeights, &pr.ForgetLayerNormWeights,
		&pr.CellLayerNormWeights, &pr.OutputLayerNormWeights,
	} {
		*p = reb(*p)
	}

	layer := configureAndRun(t, fx)
	defer layer.Close()

	// Half precision carries roughly three decimal digits
	want := fx.reference()
	assertRows(t, fx.step.Output, want.h, 5e-2)
	assertRows(t, fx.step.CellStateOut, want.c, 5e-2)
}
