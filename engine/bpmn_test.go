package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBPMN = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:camunda="http://camunda.org/schema/1.0/bpmn">
  <bpmn:process id="P" isExecutable="true">
    <bpmn:startEvent id="Start_1" name="start" />
    <bpmn:serviceTask id="Act_1" name="Prepare contract">
      <bpmn:documentation>Collect the signed contract.</bpmn:documentation>
      <bpmn:extensionElements>
        <camunda:properties>
          <camunda:property name="UF_RESULT_EXPECTED" value="Y" />
          <camunda:property name="department" value="legal" />
        </camunda:properties>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
    <bpmn:userTask id="Act_2" name="Review" />
    <bpmn:exclusiveGateway id="Gw_1" name="decision" />
  </bpmn:process>
</bpmn:definitions>`

func TestParseDiagram(t *testing.T) {
	elements, err := ParseDiagram(sampleBPMN)
	require.NoError(t, err)

	meta, ok := elements["Act_1"]
	require.True(t, ok)
	assert.Equal(t, "Prepare contract", meta.Name)
	assert.Equal(t, "Collect the signed contract.", meta.Documentation)
	assert.Equal(t, "Y", meta.ExtensionProperties["UF_RESULT_EXPECTED"])
	assert.Equal(t, "legal", meta.ExtensionProperties["department"])

	meta, ok = elements["Act_2"]
	require.True(t, ok)
	assert.Equal(t, "Review", meta.Name)
	assert.Empty(t, meta.Documentation)
	assert.Empty(t, meta.ExtensionProperties)

	// Gateways and events are not activities.
	_, ok = elements["Gw_1"]
	assert.False(t, ok)
	_, ok = elements["Start_1"]
	assert.False(t, ok)
}

func TestParseDiagramMalformed(t *testing.T) {
	_, err := ParseDiagram("<bpmn:definitions><bpmn:serviceTask id=")
	assert.Error(t, err)
}
