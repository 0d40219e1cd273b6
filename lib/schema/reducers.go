package schema

// SumInt64 adds up values encoded with EncodeInt64. An empty input reduces to 0.
var SumInt64 Reducer = ReducerFunc(func(values [][]byte) ([]byte, error) {
	var sum int64
	for _, v := range values {
		n, err := DecodeInt64(v)
		if err != nil {
			return nil, err
		}
		sum += n
	}
	return EncodeInt64(sum), nil
})

// Count returns the number of values encoded with EncodeInt64
var Count Reducer = ReducerFunc(func(values [][]byte) ([]byte, error) {
	return EncodeInt64(int64(len(values))), nil
})
