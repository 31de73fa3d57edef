package message

// Category is the OpenWebNet WHO classification of a message: which
// application domain (lighting, automation, temperature, ...) it
// belongs to.
type Category struct {
	Who   string
	Extra []string
}

// NewCategory builds a Category from its WHO code and any extra
// parameters carried alongside it in the same field.
func NewCategory(who string, extra ...string) Category {
	return Category{Who: who, Extra: extra}
}

// Well-known WHO codes referenced directly by spec.md.
const (
	WhoLighting      = "1"
	WhoAutomation    = "2"
	WhoTemperature   = "4"
	WhoAlarm         = "5"
	WhoManagement    = "13"
	WhoScenarios     = "25"
	WhoDiagnostics   = "1000"
)

// Command is an immutable directive to, or status notification from, a
// device: the category it belongs to, the WHAT code, and any trailing
// parameters.
type Command struct {
	Category   Category
	What       string
	Parameters []string
}

// NewCommand builds a Command.
func NewCommand(category Category, what string, parameters ...string) Command {
	return Command{Category: category, What: what, Parameters: parameters}
}

// WithParameters returns a new Command with the given parameters
// appended. The receiver is unchanged.
func (c Command) WithParameters(params ...string) Command {
	next := make([]string, 0, len(c.Parameters)+len(params))
	next = append(next, c.Parameters...)
	next = append(next, params...)
	return Command{Category: c.Category, What: c.What, Parameters: next}
}

// Dimension is a scalar or tuple quantity addressed by a category and a
// dimension code; the same shape serves DIMENSION REQUEST, READ and SET.
type Dimension struct {
	Category   Category
	Code       string
	Parameters []string
}

// NewDimension builds a Dimension.
func NewDimension(category Category, code string, parameters ...string) Dimension {
	return Dimension{Category: category, Code: code, Parameters: parameters}
}

// WithParameters returns a new Dimension with the given parameters
// appended. The receiver is unchanged.
func (d Dimension) WithParameters(params ...string) Dimension {
	next := make([]string, 0, len(d.Parameters)+len(params))
	next = append(next, d.Parameters...)
	next = append(next, params...)
	return Dimension{Category: d.Category, Code: d.Code, Parameters: next}
}
