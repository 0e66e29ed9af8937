package southpool

import (
	"errors"
	"fmt"

	"github.com/icodeforyou/southpool-go/types"
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport" // network, timeout or non-2xx response
	KindMalformed ErrorKind = "malformed" // payload could not be read as a dataset
	KindEmpty     ErrorKind = "empty"     // payload held no valid record
)

// FetchError is returned by Client.Fetch for every failed retrieval.
type FetchError struct {
	Kind        ErrorKind
	Region      types.Region
	Granularity types.Granularity
	StatusCode  int
	Err         error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("southpool fetch %s/%s failed (%s)", e.Region, e.Granularity, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s, status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a FetchError anywhere in the chain, or an
// empty kind when err is not a FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
