package gen

import "sort"

// Kind enumerates every node variant. Geo kinds produce geometry, template
// kinds route placement requests.
type Kind int

const (
	KindInvalid Kind = iota
	KindObject
	KindGroup
	KindGeoSwitch
	KindParent
	KindAddToGroup
	KindTemplateSwitch
	KindAgent
	KindOffset
	KindRandom
	KindCombine
	KindRandomPositioning
	KindFormation
	KindTarget
	KindObstacle
	KindGround
	KindSetTag
)

var kindNames = map[Kind]string{
	KindObject:            "object",
	KindGroup:             "group",
	KindGeoSwitch:         "geo_switch",
	KindParent:            "parent",
	KindAddToGroup:        "add_to_group",
	KindTemplateSwitch:    "template_switch",
	KindAgent:             "agent",
	KindOffset:            "offset",
	KindRandom:            "random",
	KindCombine:           "combine",
	KindRandomPositioning: "random_positioning",
	KindFormation:         "formation",
	KindTarget:            "target",
	KindObstacle:          "obstacle",
	KindGround:            "ground",
	KindSetTag:            "set_tag",
}

// nodeTypes maps the node editor's type identifiers onto kinds.
var nodeTypes = map[string]Kind{
	"ObjectInputNodeType":       KindObject,
	"GroupInputNodeType":        KindGroup,
	"GeoSwitchNodeType":         KindGeoSwitch,
	"AddToGroupNodeType":        KindAddToGroup,
	"TemplateSwitchNodeType":    KindTemplateSwitch,
	"ParentNodeType":            KindParent,
	"TemplateNodeType":          KindAgent,
	"OffsetNodeType":            KindOffset,
	"RandomNodeType":            KindRandom,
	"CombineNodeType":           KindCombine,
	"RandomPositionNodeType":    KindRandomPositioning,
	"FormationPositionNodeType": KindFormation,
	"TargetPositionNodeType":    KindTarget,
	"ObstacleNodeType":          KindObstacle,
	"GroundNodeType":            KindGround,
	"SetTagNodeType":            KindSetTag,
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "invalid"
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsGeo reports whether nodes of this kind return geometry.
func (k Kind) IsGeo() bool {
	switch k {
	case KindObject, KindGroup, KindGeoSwitch, KindParent:
		return true
	}
	return false
}

// ParseKind accepts either a short kind name ("formation") or a node
// editor type identifier ("FormationPositionNodeType").
func ParseKind(s string) (Kind, bool) {
	if k, ok := nodeTypes[s]; ok {
		return k, true
	}
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return KindInvalid, false
}

// KindNames lists the short names in lexical order.
func KindNames() []string {
	out := make([]string, 0, len(kindNames))
	for _, n := range kindNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
