package arch

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const layerNormEps = 1e-5

var geluScaleFactor = math.Sqrt(2.0 / math.Pi)

// layerNormForward normalizes every row of inp into out, keeping the
// normalized rows and reciprocal standard deviations for the backward pass.
func layerNormForward(out, xhat *mat.Dense, rstd []float64, inp *mat.Dense, weight, bias []float64) {
	rows, cols := inp.Dims()
	for i := 0; i < rows; i++ {
		x := inp.RawRowView(i)
		mean := floats.Sum(x) / float64(cols)
		var variance float64
		for _, v := range x {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		s := 1 / math.Sqrt(variance+layerNormEps)
		rstd[i] = s
		xh, o := xhat.RawRowView(i), out.RawRowView(i)
		for j, v := range x {
			xh[j] = (v - mean) * s
			o[j] = xh[j]*weight[j] + bias[j]
		}
	}
}

// layerNormBackward adds the input gradient of a layer norm into dinp and the
// weight and bias gradients into dweight and dbias, each skipped when nil.
func layerNormBackward(dinp, dout, xhat *mat.Dense, rstd, weight, dweight, dbias []float64) {
	rows, cols := dout.Dims()
	dnorm := make([]float64, cols)
	for i := 0; i < rows; i++ {
		do, xh, di := dout.RawRowView(i), xhat.RawRowView(i), dinp.RawRowView(i)
		var dnormMean, dnormDotX float64
		for j := range do {
			dnorm[j] = do[j] * weight[j]
			dnormMean += dnorm[j]
			dnormDotX += dnorm[j] * xh[j]
			if dweight != nil {
				dweight[j] += xh[j] * do[j]
			}
			if dbias != nil {
				dbias[j] += do[j]
			}
		}
		dnormMean /= float64(cols)
		dnormDotX /= float64(cols)
		for j := range di {
			di[j] += rstd[i] * (dnorm[j] - dnormMean - xh[j]*dnormDotX)
		}
	}
}

// gelu is the tanh approximation of GELU.
func gelu(x float64) float64 {
	cube := 0.044715 * x * x * x
	return 0.5 * x * (1 + math.Tanh(geluScaleFactor*(x+cube)))
}

func geluGrad(x float64) float64 {
	cube := 0.044715 * x * x * x
	arg := geluScaleFactor * (x + cube)
	tanhOut := math.Tanh(arg)
	coshOut := math.Cosh(arg)
	sech := 1 / (coshOut * coshOut)
	return 0.5*(1+tanhOut) + x*0.5*sech*geluScaleFactor*(1+3*0.044715*x*x)
}

// addBias adds bias to every row of m.
func addBias(m *mat.Dense, bias []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}

// sumRows adds the column sums of m into dst.
func sumRows(dst []float64, m *mat.Dense) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(dst, m.RawRowView(i))
	}
}

// logSoftmax writes the log-probabilities of logits into out.
func logSoftmax(out, logits []float64) {
	maxVal := floats.Max(logits)
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - maxVal)
	}
	logSum := maxVal + math.Log(sum)
	for i, v := range logits {
		out[i] = v - logSum
	}
}
