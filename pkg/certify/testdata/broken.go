package fixtures

func oops( {
