package mux

type FilterFunc[T any] func(T) bool

func Any[T any]() FilterFunc[T] {
	return func(T) bool {
		return true
	}
}

func Or[T any](filters ...FilterFunc[T]) FilterFunc[T] {
	return func(v T) bool {
		for _, filter := range filters {
			if filter(v) {
				return true
			}
		}
		return false
	}
}
