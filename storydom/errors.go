package storydom

import "errors"

// ErrNoStoryData is returned when a parsed document contains no story data
// container element.
var ErrNoStoryData = errors.New("storydom: document has no tw-storydata element")
