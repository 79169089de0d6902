package ml

import "errors"

// Accuracy is the fraction of positions where yTrue and yPred agree.
func Accuracy(yTrue, yPred []int) float64 {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return 0
	}
	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue))
}

// Score predicts every row with model and returns its accuracy against labels.
func Score(model Classifier, features [][]float64, labels []int) (float64, error) {
	if len(features) != len(labels) {
		return 0, errors.New("features and labels size mismatch")
	}
	preds := make([]int, len(features))
	for i, row := range features {
		label, _, err := model.Predict(row)
		if err != nil {
			return 0, err
		}
		preds[i] = label
	}
	return Accuracy(labels, preds), nil
}
