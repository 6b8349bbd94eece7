package capture

import "errors"

var (
	ErrEntityRequired          = errors.New("entity name is required")
	ErrMapFuncRequired         = errors.New("map function is required")
	ErrMapperAlreadyRegistered = errors.New("mapper already registered for entity")
	ErrRegistryRequired        = errors.New("capture registry is required")
	ErrCommitterRequired       = errors.New("capture committer is required")
	ErrMapperPanicked          = errors.New("capture mapper panicked")
)
