package app

import "example.com/fixture/internal/errcode"

var teapot = errcode.Code("TEAPOT")

var known = errcode.NotFound

var plain = "NOT_FOUND"

func missing(c errcode.Code) bool {
	return c == "NOT_FOUND"
}

func failed(c errcode.Code) bool {
	return c != ""
}

func none() errcode.Code {
	return ""
}
