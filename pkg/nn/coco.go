package nn

const COCOPerson = 0

// The 80 classes of the COCO dataset, in the order used by YOLO models trained on it
var COCOClasses = []string{
	"person",
	"bicycle",
	"car",
	"motorcycle",
	"airplane",
	"bus",
	"train",
	"truck",
	"boat",
	"traffic light",
	"fire hydrant",
	"stop sign",
	"parking meter",
	"bench",
	"bird",
	"cat",
	"dog",
	"horse",
	"sheep",
	"cow",
	"elephant",
	"bear",
	"zebra",
	"giraffe",
	"backpack",
	"umbrella",
	"handbag",
	"tie",
	"suitcase",
	"frisbee",
	"skis",
	"snowboard",
	"sports ball",
	"kite",
	"baseball bat",
	"baseball glove",
	"skateboard",
	"surfboard",
	"tennis racket",
	"bottle",
	"wine glass",
	"cup",
	"fork",
	"knife",
	"spoon",
	"bowl",
	"banana",
	"apple",
	"sandwich",
	"orange",
	"broccoli",
	"carrot",
	"hot dog",
	"pizza",
	"donut",
	"cake",
	"chair",
	"couch",
	"potted plant",
	"bed",
	"dining table",
	"toilet",
	"tv",
	"laptop",
	"mouse",
	"remote",
	"keyboard",
	"cell phone",
	"microwave",
	"oven",
	"toaster",
	"sink",
	"refrigerator",
	"book",
	"clock",
	"vase",
	"scissors",
	"teddy bear",
	"hair drier",
	"toothbrush",
}

// Indoor subset of COCO used by the small demo models
var IndoorClasses = []string{
	"person",
	"chair",
	"couch",
	"bed",
	"laptop",
	"mouse",
	"keyboard",
	"cell phone",
	"book",
	"backpack",
	"bottle",
	"cup",
}

// ClassesByName returns the class list with the given name ("coco" or "indoor"), or nil
func ClassesByName(name string) ClassLabels {
	switch name {
	case "coco":
		return COCOClasses
	case "indoor":
		return IndoorClasses
	}
	return nil
}
