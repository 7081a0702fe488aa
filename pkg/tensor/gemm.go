package tensor

import (
	"runtime"

	"simd/archsimd"
)

// Block sizes for the tiled GEMM. Chosen so one A tile and one B tile fit in
// L1 alongside the C rows being updated.
const (
	tileM = 32
	tileN = 64
	tileK = 32
)

type gemmTask struct {
	C, A, B     *Mat
	alpha, beta float32
	rs, re      int
	done        chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				gemmRangeRows(task.C, task.A, task.B, task.alpha, task.beta, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// GemmPar computes C = alpha*A*B + beta*C with a blocked algorithm,
// parallelising across ranges of output rows. workers <= 0 selects
// GOMAXPROCS.
func GemmPar(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("tensor: gemm dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	if A.C == 0 {
		scaleRows(C, beta, 0, C.R)
		return
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > C.R {
		workers = C.R
	}
	if workers <= 1 {
		gemmRangeRows(C, A, B, alpha, beta, 0, C.R)
		return
	}
	if workers > gemmWorkPool.size {
		workers = gemmWorkPool.size
	}

	chunk := (C.R + workers - 1) / workers

	done := <-gemmWorkPool.doneSlots
	for w := 0; w < workers; w++ {
		rs := w * chunk
		re := min(rs+chunk, C.R)
		gemmWorkPool.tasks <- gemmTask{
			C:     C,
			A:     A,
			B:     B,
			alpha: alpha,
			beta:  beta,
			rs:    rs,
			re:    re,
			done:  done,
		}
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	gemmWorkPool.doneSlots <- done
}

// Matmul allocates and returns A*B.
func Matmul(A, B *Mat) Mat {
	C := NewMat(A.R, B.C)
	GemmPar(&C, A, B, 1, 0, 0)
	return C
}

func scaleRows(C *Mat, beta float32, rs, re int) {
	n := C.C
	switch beta {
	case 1:
	case 0:
		for i := rs; i < re; i++ {
			base := i * C.Stride
			clear(C.Data[base : base+n])
		}
	default:
		for i := rs; i < re; i++ {
			base := i * C.Stride
			for j := 0; j < n; j++ {
				C.Data[base+j] *= beta
			}
		}
	}
}

// gemmRangeRows performs a blocked GEMM on a contiguous range of rows of C.
func gemmRangeRows(C, A, B *Mat, alpha, beta float32, rs, re int) {
	scaleRows(C, beta, rs, re)

	n := B.C
	k := A.C
	aStride := A.Stride
	bStride := B.Stride
	cStride := C.Stride

	for i0 := rs; i0 < re; i0 += tileM {
		iMax := min(i0+tileM, re)
		for k0 := 0; k0 < k; k0 += tileK {
			kMax := min(k0+tileK, k)
			for j0 := 0; j0 < n; j0 += tileN {
				jMax := min(j0+tileN, n)
				if cpu.HasAVX2 && jMax-j0 >= 8 {
					blockUpdateSIMD(C.Data, A.Data, B.Data, cStride, aStride, bStride, alpha, i0, iMax, j0, jMax, k0, kMax)
				} else {
					blockUpdateScalar(C.Data, A.Data, B.Data, cStride, aStride, bStride, alpha, i0, iMax, j0, jMax, k0, kMax)
				}
			}
		}
	}
}

func blockUpdateScalar(cData, aData, bData []float32, cStride, aStride, bStride int, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk] * alpha
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+3 < width; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

func blockUpdateSIMD(cData, aData, bData []float32, cStride, aStride, bStride int, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk] * alpha
			vaik := archsimd.BroadcastFloat32x8(aik)
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+16 <= width; j += 16 {
				vc0 := archsimd.LoadFloat32x8Slice(cRow[j:])
				vb0 := archsimd.LoadFloat32x8Slice(bRow[j:])
				vc0 = vc0.Add(vb0.Mul(vaik))
				vc0.StoreSlice(cRow[j:])
				vc1 := archsimd.LoadFloat32x8Slice(cRow[j+8:])
				vb1 := archsimd.LoadFloat32x8Slice(bRow[j+8:])
				vc1 = vc1.Add(vb1.Mul(vaik))
				vc1.StoreSlice(cRow[j+8:])
			}
			for ; j+8 <= width; j += 8 {
				vc := archsimd.LoadFloat32x8Slice(cRow[j:])
				vb := archsimd.LoadFloat32x8Slice(bRow[j:])
				vc = vc.Add(vb.Mul(vaik))
				vc.StoreSlice(cRow[j:])
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}
