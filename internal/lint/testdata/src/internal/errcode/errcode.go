package errcode

type Code string

const NotFound Code = "NOT_FOUND"
