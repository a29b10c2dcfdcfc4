package extraction

import "strings"

const promptTemplate = `Dans un contexte éducatif de classification médicale, analyse ce cas d'étude :

{{NOTE}}

Extrais UNIQUEMENT les termes appartenant aux 3 hiérarchies SNOMED CT ciblées :

1. CLINICAL FINDING (constatations cliniques) : symptômes, signes cliniques, diagnostics, états pathologiques.
2. PROCEDURE (interventions) : traitements administrés, soins, recommandations thérapeutiques, actes médicaux.
3. BODY STRUCTURE (structures corporelles) : parties anatomiques, organes, régions corporelles.

EXCLURE : informations administratives, expositions.

Format JSON requis :
{
  "termes_medicaux": [
    {
      "terme": "terme médical exact",
      "categorie": "clinical_finding/procedure/body_structure",
      "code_classification": "code SNOMED CT numérique",
      "negation": "positive/negative",
      "famille": "patient/family",
      "suspicion": "confirmed/suspected",
      "antecedent": "current/history"
    }
  ]
}

RÈGLES pour les modifieurs :
- negation : "positive" si présent, "negative" si absent ou nié
- famille : "patient" pour le patient, "family" pour un antécédent familial
- suspicion : "confirmed" si certain, "suspected" si suspecté
- antecedent : "current" si actuel, "history" si antécédent médical

Retourne uniquement le JSON.`

// BuildPrompt embeds the clinical note in the extraction prompt.
func BuildPrompt(note string) string {
	return strings.Replace(promptTemplate, "{{NOTE}}", strings.TrimSpace(note), 1)
}
