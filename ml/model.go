package ml

// Classifier maps one feature row to a class index in 0..NumClasses()-1 with a
// confidence in [0,1]. Implementations must be safe for concurrent Predict calls
// once fitted.
type Classifier interface {
	Predict(features []float64) (int, float64, error)
	NumClasses() int
}

var (
	_ Classifier = (*DecisionTree)(nil)
	_ Classifier = (*RandomForest)(nil)
)
