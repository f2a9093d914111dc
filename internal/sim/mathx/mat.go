package mathx

import "math"

// Mat3 is row-major: m[row][col].
type Mat3 [3][3]float64

func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func RotX(a float64) Mat3 {
	s, c := math.Sincos(a)
	return Mat3{{1, 0, 0}, {0, c, -s}, {0, s, c}}
}

func RotY(a float64) Mat3 {
	s, c := math.Sincos(a)
	return Mat3{{c, 0, s}, {0, 1, 0}, {-s, 0, c}}
}

func RotZ(a float64) Mat3 {
	s, c := math.Sincos(a)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*n[0][j] + m[i][1]*n[1][j] + m[i][2]*n[2][j]
		}
	}
	return out
}

// Apply returns m·v (v as a column vector).
func (m Mat3) Apply(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// RowApply returns v·m (v as a row vector), i.e. the transpose applied to v.
func (m Mat3) RowApply(v Vec3) Vec3 {
	return Vec3{
		v.X*m[0][0] + v.Y*m[1][0] + v.Z*m[2][0],
		v.X*m[0][1] + v.Y*m[1][1] + v.Z*m[2][1],
		v.X*m[0][2] + v.Y*m[1][2] + v.Z*m[2][2],
	}
}

func (m Mat3) Transpose() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// EulerMatrix builds the rotation for an XYZ Euler triple: X is applied
// first, then Y, then Z.
func EulerMatrix(e Vec3) Mat3 {
	return RotZ(e.Z).Mul(RotY(e.Y)).Mul(RotX(e.X))
}

func RotateEuler(v, e Vec3) Vec3 { return EulerMatrix(e).Apply(v) }

// ToEuler decomposes a pure rotation matrix into an XYZ Euler triple.
func (m Mat3) ToEuler() Vec3 {
	cy := math.Hypot(m[0][0], m[1][0])
	if cy > 1e-9 {
		return Vec3{
			X: math.Atan2(m[2][1], m[2][2]),
			Y: math.Atan2(-m[2][0], cy),
			Z: math.Atan2(m[1][0], m[0][0]),
		}
	}
	// Gimbal lock: fold all of the remaining rotation into X.
	return Vec3{
		X: math.Atan2(-m[1][2], m[1][1]),
		Y: math.Atan2(-m[2][0], cy),
		Z: 0,
	}
}

// RotateAxisZ rotates an Euler orientation about its own local Z axis.
func RotateAxisZ(e Vec3, angle float64) Vec3 {
	return EulerMatrix(e).Mul(RotZ(angle)).ToEuler()
}

// Mat4 is a row-major affine transform; points are column vectors.
type Mat4 [4][4]float64

func Identity4() Mat4 {
	return Mat4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Compose builds translation · rotation · uniform scale.
func Compose(loc, rot Vec3, scale float64) Mat4 {
	r := EulerMatrix(rot)
	var m Mat4
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r[i][j] * scale
		}
	}
	m[0][3], m[1][3], m[2][3] = loc.X, loc.Y, loc.Z
	m[3][3] = 1
	return m
}

func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[i][k] * n[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

func (m Mat4) MulPoint(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z + m[0][3],
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z + m[1][3],
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z + m[2][3],
	}
}

func (m Mat4) Translation() Vec3 { return Vec3{m[0][3], m[1][3], m[2][3]} }

// Inverse uses Gauss-Jordan elimination with partial pivoting. ok is false
// for singular matrices.
func (m Mat4) Inverse() (inv Mat4, ok bool) {
	a := m
	inv = Identity4()
	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return Mat4{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		inv[col], inv[pivot] = inv[pivot], inv[col]

		p := a[col][col]
		for j := 0; j < 4; j++ {
			a[col][j] /= p
			inv[col][j] /= p
		}
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := a[r][col]
			if f == 0 {
				continue
			}
			for j := 0; j < 4; j++ {
				a[r][j] -= f * a[col][j]
				inv[r][j] -= f * inv[col][j]
			}
		}
	}
	return inv, true
}

func (m Mat4) ApproxEqual(n Mat4, eps float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(m[i][j]-n[i][j]) > eps {
				return false
			}
		}
	}
	return true
}
