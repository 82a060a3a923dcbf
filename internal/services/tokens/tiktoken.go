package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"
)

// TiktokenEstimator counts BPE tokens with tiktoken. The encoding is loaded
// lazily; when it cannot be loaded every call uses the fallback estimator.
type TiktokenEstimator struct {
	encoding string
	fallback Estimator
	logger   *logrus.Logger

	once sync.Once
	tk   *tiktoken.Tiktoken
}

// NewTiktokenEstimator creates an estimator for the named encoding (e.g. cl100k_base)
func NewTiktokenEstimator(encoding string, fallback Estimator, logger *logrus.Logger) *TiktokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if fallback == nil {
		fallback = NewCharEstimator(DefaultCharsPerToken)
	}
	return &TiktokenEstimator{encoding: encoding, fallback: fallback, logger: logger}
}

func (e *TiktokenEstimator) init() {
	e.once.Do(func() {
		tk, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			if e.logger != nil {
				e.logger.WithError(err).WithField("encoding", e.encoding).
					Warn("Token estimation will use the character fallback")
			}
			return
		}
		e.tk = tk
	})
}

// Estimate returns the inflated BPE token count of text
func (e *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.init()
	if e.tk == nil {
		return e.fallback.Estimate(text)
	}
	return inflate(len(e.tk.Encode(text, nil, nil)))
}

// New builds the estimator selected by name ("tiktoken" or "chars")
func New(kind, encoding string, charsPerToken float64, logger *logrus.Logger) Estimator {
	chars := NewCharEstimator(charsPerToken)
	if kind == "tiktoken" {
		return NewTiktokenEstimator(encoding, chars, logger)
	}
	return chars
}
