package gen

// ModelSpec describes what a model accepts and how its submissions behave.
type ModelSpec struct {
	ID                string
	Class             RequestClass
	RequiresPrompt    bool
	RequiresReference bool
	MaxVariants       int
}

// Known generation models. Kept in one table so the builder, the pricing
// tables, and the submit-timeout selection stay in agreement.
var modelSpecs = map[string]ModelSpec{
	"lumen-xl": {
		ID:             "lumen-xl",
		Class:          ClassImage,
		RequiresPrompt: true,
		MaxVariants:    4,
	},
	"lumen-turbo": {
		ID:             "lumen-turbo",
		Class:          ClassFast,
		RequiresPrompt: true,
		MaxVariants:    8,
	},
	"lumen-grid": {
		ID:             "lumen-grid",
		Class:          ClassImage,
		RequiresPrompt: true,
		MaxVariants:    1,
	},
	"reforge-upscale": {
		ID:                "reforge-upscale",
		Class:             ClassImage,
		RequiresReference: true,
		MaxVariants:       1,
	},
	"motionweave-v2": {
		ID:             "motionweave-v2",
		Class:          ClassVideo,
		RequiresPrompt: true,
		MaxVariants:    2,
	},
	"motionweave-i2v": {
		ID:                "motionweave-i2v",
		Class:             ClassVideo,
		RequiresPrompt:    true,
		RequiresReference: true,
		MaxVariants:       1,
	},
}

// Model looks up a model spec by id.
func Model(id string) (ModelSpec, bool) {
	m, ok := modelSpecs[id]
	return m, ok
}

// ModelClass returns the request class for a model, defaulting to ClassImage
// for unknown ids so timeout selection always has an answer.
func ModelClass(id string) RequestClass {
	if m, ok := modelSpecs[id]; ok {
		return m.Class
	}
	return ClassImage
}
